package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/steamdatagram/cert"
	"github.com/opd-ai/steamdatagram/crypto"
)

func TestRunUsageErrors(t *testing.T) {
	assert.Equal(t, 1, run(nil), "no command")
	assert.Equal(t, 1, run([]string{"frobnicate"}), "unknown command")
	assert.Equal(t, 1, run([]string{"create_cert"}), "create_cert without keys")
	assert.Equal(t, 1, run([]string{"--no-such-flag", "gen_keypair"}), "unknown flag")
}

func TestGenKeypair(t *testing.T) {
	assert.Equal(t, 0, run([]string{"gen_keypair"}))
	assert.Equal(t, 0, run([]string{"--output-json", "gen_keypair"}))
}

func TestCreateCertFromFiles(t *testing.T) {
	dir := t.TempDir()

	// CA key on disk, the way the offline tool stores it.
	_, caPriv, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	caFile := filepath.Join(dir, "ca_key.txt")
	require.NoError(t, os.WriteFile(caFile, []byte(cert.EncodeSecretKeyText(caPriv)), 0o600))

	// Subject public key in authorized_keys form.
	subjectPub, _, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	pubLine, err := cert.MarshalAuthorizedKey(subjectPub, "")
	require.NoError(t, err)
	pubFile := filepath.Join(dir, "subject.pub")
	require.NoError(t, os.WriteFile(pubFile, []byte(pubLine+"\n"), 0o600))

	code := run([]string{
		"--ca-priv-key-file", caFile,
		"--pub-key-file", pubFile,
		"--app", "440,570",
		"--expiry", "30",
		"create_cert",
	})
	assert.Equal(t, 0, code)

	// Inline key form works too.
	code = run([]string{
		"--ca-priv-key-file", caFile,
		"--pub-key", pubLine,
		"--pop", "ord,ams",
		"--output-json",
		"create_cert",
	})
	assert.Equal(t, 0, code)

	// Binding both restriction families is refused.
	code = run([]string{
		"--ca-priv-key-file", caFile,
		"--pub-key", pubLine,
		"--app", "440",
		"--pop", "ord",
		"create_cert",
	})
	assert.Equal(t, 1, code)
}

func TestGenKeypairFeedsCreateCert(t *testing.T) {
	dir := t.TempDir()
	_, caPriv, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	caFile := filepath.Join(dir, "ca_key.txt")
	require.NoError(t, os.WriteFile(caFile, []byte(cert.EncodeSecretKeyText(caPriv)), 0o600))

	code := run([]string{
		"--ca-priv-key-file", caFile,
		"--app", "440",
		"gen_keypair", "create_cert",
	})
	assert.Equal(t, 0, code)
}
