package steamdatagram

import "sync"

// usecSpamReplyInterval spaces out replies to packets that have not been
// authenticated and could be spoofed garbage: at most one such reply per
// 250 ms, process-wide, no matter how many connections exist.
const usecSpamReplyInterval = usecMillion / 4

var (
	spamMu                sync.Mutex
	usecLastSpamReplySent int64
)

// CheckGlobalSpamReplyRateLimit reports whether it is currently OK to
// reply to a potentially forged packet. If it returns true, the caller
// is assumed to send the reply, and the gate closes for the next
// interval.
func CheckGlobalSpamReplyRateLimit(usecNow int64) bool {
	spamMu.Lock()
	defer spamMu.Unlock()
	if usecLastSpamReplySent != 0 && usecLastSpamReplySent+usecSpamReplyInterval > usecNow {
		return false
	}
	usecLastSpamReplySent = usecNow
	return true
}

func resetSpamReplyGate() {
	spamMu.Lock()
	usecLastSpamReplySent = 0
	spamMu.Unlock()
}
