// Package interfaces defines the collaborator contracts consumed by the
// connection core.
//
// The segmentation/reliability layer that fragments messages into
// packets, tracks acknowledgements, and performs congestion control is
// deliberately out of the core's scope; the core only talks to it
// through the small interface declared here. This keeps the dependency
// direction explicit and lets tests substitute lightweight fakes.
package interfaces
