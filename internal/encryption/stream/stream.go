// Package stream performs chunked authenticated encryption and decryption
// of single files.
//
// Container layout, one contiguous stream per file:
//
//	[nonce: 12 bytes][ciphertext: same length as plaintext][tag: 16 bytes]
//
// The nonce is freshly random for every encryption and never reused with
// the same key. Per-file subkeys for encryption and authentication are
// derived from the session key and the nonce with HKDF-SHA256; the body is
// an AES-256 keystream encryption and the trailing tag is an
// encrypt-then-MAC HMAC-SHA256 over nonce and ciphertext, truncated to 16
// bytes. There is no per-chunk overhead: output length is always input
// length plus 28, whatever chunk size is used.
//
// Processing is strictly sequential. The keystream position advances with
// every chunk, so chunks can neither be reordered nor processed in
// parallel within one file. Cancellation is polled between chunks; chunks
// above one MiB advance in bounded strides with a poll between strides, so
// a cancel request is observed quickly even on slow media. A stride that
// has begun is always finished first.
package stream

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/DoubleLatte/passcode/internal/core/ports"
	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/DoubleLatte/passcode/internal/keyvault"
)

const (
	NonceSize = 12
	TagSize   = 16

	// Overhead is the fixed container growth per file.
	Overhead = NonceSize + TagSize
)

const (
	infoEncrypt = "passcode/v1 file encryption"
	infoAuth    = "passcode/v1 file authentication"
)

// maxStride bounds how many bytes a single blocking read or write may
// cover. Cancellation must stay responsive on slow media even when the
// configured chunk size is maximal, so chunks larger than this are
// processed in stride-sized pieces with a cancellation check between them.
const maxStride = 1 << 20

func strideLen(chunkSize int) int {
	if chunkSize > maxStride {
		return maxStride
	}
	return chunkSize
}

// Cipher encrypts and decrypts files with key material borrowed from a
// vault session. One Cipher is safe for concurrent use across files: every
// call opens its own cipher state from the shared key with a fresh nonce.
type Cipher struct {
	session   *keyvault.Session
	chunkSize int
}

var _ ports.Cipher = (*Cipher)(nil)

// New builds a Cipher reading chunks of chunkSize bytes. Sizing policy
// (clamping, memory caps) belongs to the batch layer; any positive chunk
// size produces an identical container.
func New(session *keyvault.Session, chunkSize int) (*Cipher, error) {
	if chunkSize <= 0 {
		return nil, errs.New(errs.ErrValidation, "", "chunk size must be positive")
	}
	if session == nil || session.Key() == nil {
		return nil, errs.New(errs.ErrValidation, "", "no active key session")
	}
	return &Cipher{session: session, chunkSize: chunkSize}, nil
}

// ChunkSize returns the configured chunk size.
func (c *Cipher) ChunkSize() int { return c.chunkSize }

// EncryptFile encrypts src into dst. dst is created fresh (0600) and synced
// before return; callers wanting atomicity point dst at a transaction's
// temp path.
func (c *Cipher) EncryptFile(ctx context.Context, src, dst string, onProgress ports.ProgressFunc) error {
	in, err := os.Open(src)
	if err != nil {
		return errs.Wrap(errs.ErrIO, src, "open source file", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.ErrIO, dst, "create output file", err)
	}
	defer out.Close()

	if err := c.Encrypt(ctx, in, out, onProgress); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return errs.Wrap(errs.ErrIO, dst, "flush output file", err)
	}
	return nil
}

// DecryptFile decrypts the container at src into dst. The tag is verified
// during finalization; on any error dst must be treated as garbage and
// discarded (the orchestrator writes to a transaction temp path for exactly
// this reason).
func (c *Cipher) DecryptFile(ctx context.Context, src, dst string, onProgress ports.ProgressFunc) error {
	fi, err := os.Stat(src)
	if err != nil {
		return errs.Wrap(errs.ErrIO, src, "stat encrypted file", err)
	}
	if fi.Size() < Overhead {
		return errs.New(errs.ErrIntegrity, src,
			"encrypted container is shorter than nonce plus tag; the file is corrupted or truncated")
	}

	in, err := os.Open(src)
	if err != nil {
		return errs.Wrap(errs.ErrIO, src, "open encrypted file", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.ErrIO, dst, "create output file", err)
	}
	defer out.Close()

	if err := c.Decrypt(ctx, in, fi.Size()-Overhead, out, onProgress); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return errs.Wrap(errs.ErrIO, dst, "flush output file", err)
	}
	return nil
}

// Encrypt reads r sequentially in chunks, writes the container to w and
// reports progress in source bytes.
func (c *Cipher) Encrypt(ctx context.Context, r io.Reader, w io.Writer, onProgress ports.ProgressFunc) error {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return errs.Wrap(errs.ErrIO, "", "generate nonce", err)
	}

	stream, mac, err := c.initState(nonce)
	if err != nil {
		return err
	}

	if _, err := w.Write(nonce); err != nil {
		return errs.Wrap(errs.ErrIO, "", "write container header", err)
	}

	buf := make([]byte, strideLen(c.chunkSize))
	for {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			stream.XORKeyStream(chunk, chunk)
			mac.Write(chunk)
			if _, werr := w.Write(chunk); werr != nil {
				return errs.Wrap(errs.ErrIO, "", "write ciphertext chunk", werr)
			}
			if onProgress != nil {
				onProgress(int64(n))
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return errs.Wrap(errs.ErrIO, "", "read plaintext chunk", err)
		}
	}

	if _, err := w.Write(mac.Sum(nil)[:TagSize]); err != nil {
		return errs.Wrap(errs.ErrIO, "", "write authentication tag", err)
	}
	return nil
}

// Decrypt reads ctLen ciphertext bytes plus the nonce header and trailing
// tag from r, writing plaintext to w. Progress counts every container byte
// consumed, header and tag included, so a finished decrypt reports exactly
// the artifact size. It fails with errs.ErrIntegrity when the tag does not
// match, which signals corruption or tampering rather than a transient
// fault.
func (c *Cipher) Decrypt(ctx context.Context, r io.Reader, ctLen int64, w io.Writer, onProgress ports.ProgressFunc) error {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return errs.Wrap(errs.ErrIntegrity, "", "read container header", err)
	}
	if onProgress != nil {
		onProgress(NonceSize)
	}

	stream, mac, err := c.initState(nonce)
	if err != nil {
		return err
	}

	buf := make([]byte, strideLen(c.chunkSize))
	remaining := ctLen
	for remaining > 0 {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return errs.Wrap(errs.ErrIntegrity, "", "encrypted container truncated", err)
		}
		mac.Write(chunk)
		stream.XORKeyStream(chunk, chunk)
		if _, err := w.Write(chunk); err != nil {
			return errs.Wrap(errs.ErrIO, "", "write plaintext chunk", err)
		}
		if onProgress != nil {
			onProgress(int64(n))
		}
		remaining -= n
	}

	tag := make([]byte, TagSize)
	if _, err := io.ReadFull(r, tag); err != nil {
		return errs.Wrap(errs.ErrIntegrity, "", "read authentication tag", err)
	}
	if onProgress != nil {
		onProgress(TagSize)
	}
	if !hmac.Equal(tag, mac.Sum(nil)[:TagSize]) {
		return errs.New(errs.ErrIntegrity, "",
			"authentication tag mismatch: the file is corrupted or was tampered with")
	}
	return nil
}

// initState derives the per-file subkeys from the session key and nonce and
// sets up keystream plus MAC. The MAC always covers the nonce first.
func (c *Cipher) initState(nonce []byte) (cipher.Stream, hashMAC, error) {
	key := c.session.Key()
	if key == nil {
		return nil, nil, errs.New(errs.ErrValidation, "", "key session is closed")
	}

	encKey, err := subkey(key, nonce, infoEncrypt)
	if err != nil {
		return nil, nil, err
	}
	macKey, err := subkey(key, nonce, infoAuth)
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Counter block: nonce followed by a 32-bit counter starting at 1.
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	iv[aes.BlockSize-1] = 1

	mac := hmac.New(sha256.New, macKey)
	mac.Write(nonce)

	return cipher.NewCTR(block, iv), mac, nil
}

type hashMAC interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func subkey(key, nonce []byte, info string) ([]byte, error) {
	out := make([]byte, keyvault.KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nonce, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return out, nil
}

func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.ErrCancelled, "", "stopped between strides", ctx.Err())
	default:
		return nil
	}
}
