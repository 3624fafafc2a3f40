package keyvault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyfilePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "vault.key")
}

func TestGenerateAndLoad(t *testing.T) {
	path := keyfilePath(t)

	sess, err := Generate([]byte("correct horse battery staple"), path, Options{})
	require.NoError(t, err)
	defer sess.Close()
	require.Len(t, sess.Key(), KeyLength)

	loaded, err := Load([]byte("correct horse battery staple"), path, Options{})
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, sess.Key(), loaded.Key())
}

func TestKeyFileLayout(t *testing.T) {
	path := keyfilePath(t)

	sess, err := Generate([]byte("correct horse battery staple"), path, Options{})
	require.NoError(t, err)
	defer sess.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, raw, KeyFileLength, "key file is exactly salt + verifier")

	// The raw key must never be persisted.
	assert.NotContains(t, string(raw), string(sess.Key()))
}

func TestWrongPassword(t *testing.T) {
	path := keyfilePath(t)

	sess, err := Generate([]byte("correct horse battery staple"), path, Options{})
	require.NoError(t, err)
	sess.Close()

	_, err = Load([]byte("incorrect horse battery staple"), path, Options{})
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestWeakPasswordRejected(t *testing.T) {
	path := keyfilePath(t)

	_, err := Generate([]byte("short"), path, Options{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	// Nothing may be written for a rejected password.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTruncatedKeyFile(t *testing.T) {
	path := keyfilePath(t)
	require.NoError(t, os.WriteFile(path, make([]byte, KeyFileLength-1), 0o600))

	_, err := Load([]byte("whatever password"), path, Options{})
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestMissingKeyFile(t *testing.T) {
	_, err := Load([]byte("whatever password"), keyfilePath(t), Options{})
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x5a}, SaltLength)

	k1 := DeriveKey([]byte("Tr0ub4dor&3"), salt)
	k2 := DeriveKey([]byte("Tr0ub4dor&3"), salt)

	require.Len(t, k1, KeyLength)
	assert.Equal(t, k1, k2, "same password and salt must always derive the same key")

	k3 := DeriveKey([]byte("Tr0ub4dor&4"), salt)
	assert.NotEqual(t, k1, k3)

	otherSalt := bytes.Repeat([]byte{0xa5}, SaltLength)
	k4 := DeriveKey([]byte("Tr0ub4dor&3"), otherSalt)
	assert.NotEqual(t, k1, k4)
}

func TestPasswordBufferWiped(t *testing.T) {
	path := keyfilePath(t)

	password := []byte("correct horse battery staple")
	sess, err := Generate(password, path, Options{})
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, make([]byte, len(password)), password,
		"password buffer must be zeroed after use")
}

func TestSessionClose(t *testing.T) {
	path := keyfilePath(t)

	sess, err := Generate([]byte("correct horse battery staple"), path, Options{})
	require.NoError(t, err)

	key := sess.Key()
	sess.Close()

	assert.Nil(t, sess.Key())
	assert.Equal(t, make([]byte, KeyLength), key, "key material must be zeroed on close")
}

func TestDeviceBinding(t *testing.T) {
	orig := machineID
	machineID = func() (string, error) { return "machine-a", nil }
	defer func() { machineID = orig }()

	path := keyfilePath(t)
	sess, err := Generate([]byte("correct horse battery staple"), path, Options{BindDevice: true})
	require.NoError(t, err)
	sess.Close()

	// Same machine: loads fine.
	loaded, err := Load([]byte("correct horse battery staple"), path, Options{BindDevice: true})
	require.NoError(t, err)
	loaded.Close()

	// Different machine: correct password still fails authentication.
	machineID = func() (string, error) { return "machine-b", nil }
	_, err = Load([]byte("correct horse battery staple"), path, Options{BindDevice: true})
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}
