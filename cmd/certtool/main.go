// Command certtool issues certificates for the Steam datagram transport.
//
// The tool runs offline: the CA private key never leaves the machine it
// is stored on.
//
//	certtool [options] gen_keypair
//	certtool [options] create_cert
//	certtool [options] gen_keypair create_cert
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/steamdatagram/cert"
	"github.com/opd-ai/steamdatagram/crypto"
)

const defaultExpiryDays = 730

type options struct {
	caPrivKeyFile string
	pubKeyFile    string
	pubKey        string
	pops          string
	apps          string
	identity      string
	expiryDays    int
	outputJSON    bool
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  certtool [options] gen_keypair
  certtool [options] create_cert
  certtool [options] gen_keypair create_cert

options:
  --ca-priv-key-file FILENAME  Load CA master private key from file (PEM-like blob)
  --pub-key-file FILENAME      Load public key from file (authorized_keys)
  --pub-key KEY                Use specific public key (authorized_keys blob)
  --identity IDENTITY          Bind the cert to an identity
  --pop CODE[,CODE...]         Restrict to relay region(s) (3- or 4-character codes)
  --app ID[,ID...]             Restrict to app ID(s)
  --expiry DAYS                Cert will expire in N days (default=%d)
  --output-json                Output JSON
`, defaultExpiryDays)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opt options
	fs := flag.NewFlagSet("certtool", flag.ContinueOnError)
	fs.Usage = usage
	fs.StringVar(&opt.caPrivKeyFile, "ca-priv-key-file", "", "")
	fs.StringVar(&opt.pubKeyFile, "pub-key-file", "", "")
	fs.StringVar(&opt.pubKey, "pub-key", "", "")
	fs.StringVar(&opt.identity, "identity", "", "")
	fs.StringVar(&opt.pops, "pop", "", "")
	fs.StringVar(&opt.apps, "app", "", "")
	fs.IntVar(&opt.expiryDays, "expiry", defaultExpiryDays, "")
	fs.BoolVar(&opt.outputJSON, "output-json", false, "")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	commands := fs.Args()
	if len(commands) == 0 {
		usage()
		return 1
	}

	// When both commands run, gen_keypair's output feeds create_cert.
	var generatedPub crypto.SigningPublicKey
	var haveGenerated bool

	for _, cmd := range commands {
		switch cmd {
		case "gen_keypair":
			pub, err := genKeypair(&opt)
			if err != nil {
				fmt.Fprintf(os.Stderr, "gen_keypair: %v\n", err)
				return 1
			}
			generatedPub = pub
			haveGenerated = true

		case "create_cert":
			pub := generatedPub
			if !haveGenerated {
				var err error
				pub, err = loadPublicKey(&opt)
				if err != nil {
					fmt.Fprintf(os.Stderr, "create_cert: %v\n", err)
					return 1
				}
			}
			if err := createCert(&opt, pub); err != nil {
				fmt.Fprintf(os.Stderr, "create_cert: %v\n", err)
				return 1
			}

		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
			usage()
			return 1
		}
	}
	return 0
}

func genKeypair(opt *options) (crypto.SigningPublicKey, error) {
	pub, priv, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return pub, err
	}

	comment := restrictionComment(opt)
	pubLine, err := cert.MarshalAuthorizedKey(pub, comment)
	if err != nil {
		return pub, err
	}
	keyID := crypto.PublicKeyID(pub)

	if opt.outputJSON {
		out := map[string]interface{}{
			"key_id":      strconv.FormatUint(keyID, 10),
			"public_key":  pubLine,
			"private_key": cert.EncodeSecretKeyText(priv),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return pub, enc.Encode(out)
	}

	fmt.Printf("Key ID: %d\n", keyID)
	fmt.Printf("Public key: %s\n", pubLine)
	fmt.Print(cert.EncodeSecretKeyText(priv))
	return pub, nil
}

func loadPublicKey(opt *options) (crypto.SigningPublicKey, error) {
	var line string
	switch {
	case opt.pubKey != "":
		line = opt.pubKey
	case opt.pubKeyFile != "":
		data, err := os.ReadFile(opt.pubKeyFile)
		if err != nil {
			return crypto.SigningPublicKey{}, err
		}
		line = strings.TrimSpace(string(data))
	default:
		return crypto.SigningPublicKey{}, fmt.Errorf("need --pub-key or --pub-key-file")
	}
	pub, _, err := cert.ParseAuthorizedKey(line)
	return pub, err
}

func createCert(opt *options, pub crypto.SigningPublicKey) error {
	if opt.caPrivKeyFile == "" {
		return fmt.Errorf("need --ca-priv-key-file")
	}
	caText, err := os.ReadFile(opt.caPrivKeyFile)
	if err != nil {
		return err
	}
	caPriv, err := cert.ParseSecretKeyText(string(caText))
	if err != nil {
		return err
	}

	now := time.Now()
	record := &cert.Certificate{
		KeyData:     pub[:],
		KeyType:     cert.KeyTypeED25519,
		TimeCreated: now.Unix(),
		TimeExpiry:  now.Add(time.Duration(opt.expiryDays) * 24 * time.Hour).Unix(),
		Identity:    opt.identity,
	}

	if opt.apps != "" {
		for _, a := range strings.Split(opt.apps, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(a), 10, 32)
			if err != nil {
				return fmt.Errorf("bad app ID %q", a)
			}
			record.AppIDs = append(record.AppIDs, uint32(id))
		}
	}
	if opt.pops != "" {
		for _, p := range strings.Split(opt.pops, ",") {
			id, err := cert.PopIDFromString(strings.TrimSpace(p))
			if err != nil {
				return err
			}
			record.PopIDs = append(record.PopIDs, id)
		}
	}
	if len(record.AppIDs) > 0 && len(record.PopIDs) > 0 {
		return fmt.Errorf("a cert binds to app IDs or relay regions, not both")
	}

	signed, err := cert.Sign(record, caPriv)
	if err != nil {
		return err
	}
	text, err := cert.EncodeSignedText(signed)
	if err != nil {
		return err
	}

	if opt.outputJSON {
		out := map[string]interface{}{
			"ca_key_id": strconv.FormatUint(signed.CAKeyID, 10),
			"cert":      text,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Print(text)
	return nil
}

// restrictionComment encodes the restriction set into the free-form
// comment of the authorized_keys line.
func restrictionComment(opt *options) string {
	var parts []string
	if opt.apps != "" {
		parts = append(parts, "apps="+opt.apps)
	}
	if opt.pops != "" {
		parts = append(parts, "pops="+opt.pops)
	}
	if opt.identity != "" {
		parts = append(parts, "identity="+opt.identity)
	}
	return strings.Join(parts, " ")
}
