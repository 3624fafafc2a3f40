package fsx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/DoubleLatte/passcode/internal/errs"
)

// Verification modes.
type VerifyMode string

const (
	// VerifyStrong decrypts the artifact to a scratch file and compares
	// content hashes with the original. It proves the encode/decode path
	// is the identity for this file, which the authentication tag alone
	// does not.
	VerifyStrong VerifyMode = "strong"

	// VerifyCheap only checks that the artifact is at least the original
	// size plus the container overhead. A sanity check, not a proof.
	VerifyCheap VerifyMode = "cheap"

	// VerifyAuto uses strong verification up to StrongLimit bytes and
	// falls back to cheap above it.
	VerifyAuto VerifyMode = "auto"
)

// DefaultStrongLimit is the size above which auto mode stops paying for a
// full decrypt pass.
const DefaultStrongLimit = 256 * 1024 * 1024

// DecryptFunc decrypts the container at src into plaintext at dst.
type DecryptFunc func(ctx context.Context, src, dst string) error

// Verifier confirms an encrypt round trip is bit-exact before a transaction
// commits.
type Verifier struct {
	Decrypt     DecryptFunc
	Mode        VerifyMode
	StrongLimit int64

	// Overhead is the fixed container growth: nonce plus tag bytes.
	Overhead int64

	eraser *Eraser
}

// NewVerifier builds a Verifier around the given decrypt function.
func NewVerifier(decrypt DecryptFunc, mode VerifyMode, overhead int64) *Verifier {
	return &Verifier{
		Decrypt:     decrypt,
		Mode:        mode,
		StrongLimit: DefaultStrongLimit,
		Overhead:    overhead,
		eraser:      NewEraser(),
	}
}

// Verify checks that artifact is a faithful encryption of original.
// Scratch plaintext produced during strong verification is securely erased.
func (v *Verifier) Verify(ctx context.Context, original, artifact string) error {
	origInfo, err := os.Stat(original)
	if err != nil {
		return errs.Wrap(errs.ErrIO, original, "stat original for verification", err)
	}
	artInfo, err := os.Stat(artifact)
	if err != nil {
		return errs.Wrap(errs.ErrIO, artifact, "stat artifact for verification", err)
	}

	if artInfo.Size() < origInfo.Size()+v.Overhead {
		return errs.New(errs.ErrIntegrity, artifact,
			"encrypted artifact is smaller than the original plus container overhead; the file may be corrupted or tampered with")
	}

	mode := v.Mode
	if mode == VerifyAuto {
		limit := v.StrongLimit
		if limit <= 0 {
			limit = DefaultStrongLimit
		}
		if origInfo.Size() <= limit {
			mode = VerifyStrong
		} else {
			mode = VerifyCheap
		}
	}
	if mode != VerifyStrong {
		return nil
	}
	return v.verifyStrong(ctx, original, artifact)
}

func (v *Verifier) verifyStrong(ctx context.Context, original, artifact string) error {
	scratch := artifact + ".chk"
	defer func() {
		if err := v.eraser.Erase(context.WithoutCancel(ctx), scratch); err != nil {
			// Last resort: the scratch file holds plaintext.
			os.Remove(scratch)
		}
	}()

	if err := v.Decrypt(ctx, artifact, scratch); err != nil {
		return err
	}

	origSum, err := hashFile(original)
	if err != nil {
		return errs.Wrap(errs.ErrIO, original, "hash original", err)
	}
	scratchSum, err := hashFile(scratch)
	if err != nil {
		return errs.Wrap(errs.ErrIO, scratch, "hash decrypted scratch copy", err)
	}
	if origSum != scratchSum {
		return errs.New(errs.ErrIntegrity, artifact,
			"round-trip content hash mismatch; the encrypted artifact does not decrypt back to the original")
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
