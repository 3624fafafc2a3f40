// Package keyvault derives, persists and loads the symmetric key protecting
// user files. Key material exists only in process memory for the duration of
// a session; the key file on disk holds a salt and verification data, never
// the raw key.
package keyvault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nbutton23/zxcvbn-go"
	"golang.org/x/crypto/pbkdf2"

	"github.com/DoubleLatte/passcode/internal/device"
	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/DoubleLatte/passcode/internal/fsx"
)

// Key file format v1: [salt:16][verifier:32], no version tag. The verifier
// is SHA-256 of the derived key; loading re-derives and compares rather
// than trusting anything stored.
const (
	SaltLength     = 16
	KeyLength      = 32
	VerifierLength = sha256.Size
	KeyFileLength  = SaltLength + VerifierLength

	// Iterations is the PBKDF2-HMAC-SHA256 work factor. One fixed count
	// for the whole format version.
	Iterations = 120_000

	// MinPasswordLength is the hard floor of the password policy.
	MinPasswordLength = 8

	// minStrengthScore is the zxcvbn score (0-4) a password must reach.
	minStrengthScore = 1
)

// machineID is a seam for tests; production code reads the real machine.
var machineID = device.ID

// Session holds the active key material. It is read-only and safe to share
// across concurrent tasks; each cipher operation opens its own context from
// the same key with a fresh nonce.
type Session struct {
	key    []byte
	bound  bool
	closed bool
}

// Key returns the session's key material. Borrowed, never owned: callers
// must not retain it past Close.
func (s *Session) Key() []byte {
	if s.closed {
		return nil
	}
	return s.key
}

// Bound reports whether the key is bound to this machine.
func (s *Session) Bound() bool { return s.bound }

// Close zeroes the key material. The session is unusable afterwards.
func (s *Session) Close() {
	Zero(s.key)
	s.closed = true
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Options controls key generation and loading.
type Options struct {
	// BindDevice mixes the machine identity into derivation, so the key
	// file only opens on the machine that created it. The key file layout
	// is unchanged; a foreign machine simply fails authentication.
	BindDevice bool
}

// Generate validates the password policy, derives a fresh key and writes
// the key file atomically to path. The password buffer is wiped before
// Generate returns. On success the derived key is the active session.
func Generate(password []byte, path string, opts Options) (*Session, error) {
	defer Zero(password)

	if err := checkPolicy(password); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.Wrap(errs.ErrIO, path, "generate salt", err)
	}

	key, err := derive(password, salt, opts)
	if err != nil {
		return nil, err
	}

	verifier := sha256.Sum256(key)
	err = fsx.WriteAtomic(path, func(w io.Writer) error {
		if _, err := w.Write(salt); err != nil {
			return err
		}
		_, err := w.Write(verifier[:])
		return err
	})
	if err != nil {
		Zero(key)
		return nil, errs.Wrap(errs.ErrIO, path, "write key file", err)
	}

	return &Session{key: key, bound: opts.BindDevice}, nil
}

// Load reads the key file at path, re-derives a candidate key from the
// password and compares it against the stored verification data in constant
// time. The password buffer is wiped before Load returns.
func Load(password []byte, path string, opts Options) (*Session, error) {
	defer Zero(password)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrAuthentication, path, "read key file", err)
	}
	if len(raw) != KeyFileLength {
		return nil, errs.New(errs.ErrAuthentication, path,
			fmt.Sprintf("malformed key file: %d bytes, want %d", len(raw), KeyFileLength))
	}

	salt := raw[:SaltLength]
	verifier := raw[SaltLength:]

	key, err := derive(password, salt, opts)
	if err != nil {
		return nil, err
	}

	candidate := sha256.Sum256(key)
	if subtle.ConstantTimeCompare(candidate[:], verifier) != 1 {
		Zero(key)
		failureDelay()
		return nil, errs.New(errs.ErrAuthentication, path,
			"incorrect password or corrupted key file")
	}

	return &Session{key: key, bound: opts.BindDevice}, nil
}

// DeriveKey is the deterministic KDF at the heart of the vault: same
// password and salt always yield the same 32-byte key.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, Iterations, KeyLength, sha256.New)
}

func derive(password, salt []byte, opts Options) ([]byte, error) {
	input := password
	if opts.BindDevice {
		id, err := machineID()
		if err != nil {
			return nil, errs.Wrap(errs.ErrIO, "", "read machine identity for device binding", err)
		}
		input = make([]byte, 0, len(password)+len(id))
		input = append(input, password...)
		input = append(input, id...)
		defer Zero(input)
	}
	return DeriveKey(input, salt), nil
}

func checkPolicy(password []byte) error {
	if len(password) < MinPasswordLength {
		return errs.New(errs.ErrValidation, "",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	strength := zxcvbn.PasswordStrength(string(password), nil)
	if strength.Score < minStrengthScore {
		return errs.New(errs.ErrValidation, "",
			"password is too guessable; add length or variety")
	}
	return nil
}

// failureDelay blunts timing side-channels on failed authentication with a
// small randomized sleep.
func failureDelay() {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		b[0] = 127
	}
	time.Sleep(time.Duration(30+int(b[0])%120) * time.Millisecond)
}
