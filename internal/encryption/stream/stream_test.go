package stream

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/DoubleLatte/passcode/internal/keyvault"
)

func newTestSession(t *testing.T, password string) *keyvault.Session {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.key")
	sess, err := keyvault.Generate([]byte(password), path, keyvault.Options{})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

// countingReader counts non-empty Read calls.
type countingReader struct {
	r     io.Reader
	reads int
	sizes []int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.reads++
		c.sizes = append(c.sizes, n)
	}
	return n, err
}

func TestRoundTrip(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	sizes := []int{0, 1, 63, 64, 65, 130, 4096, 10_000}
	for _, size := range sizes {
		plaintext := make([]byte, size)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		c, err := New(sess, 64)
		require.NoError(t, err)

		var container bytes.Buffer
		require.NoError(t, c.Encrypt(context.Background(), bytes.NewReader(plaintext), &container, nil))
		assert.Equal(t, size+Overhead, container.Len(), "size %d", size)

		var decrypted bytes.Buffer
		ctLen := int64(container.Len() - Overhead)
		require.NoError(t, c.Decrypt(context.Background(), bytes.NewReader(container.Bytes()), ctLen, &decrypted, nil))
		assert.Equal(t, plaintext, decrypted.Bytes(), "size %d", size)
	}
}

func TestChunkingIsSequentialAndExact(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	plaintext := make([]byte, 130)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	c, err := New(sess, 64)
	require.NoError(t, err)

	src := &countingReader{r: bytes.NewReader(plaintext)}
	var container bytes.Buffer
	require.NoError(t, c.Encrypt(context.Background(), src, &container, nil))

	assert.Equal(t, 3, src.reads, "130 bytes at chunk size 64 is exactly three reads")
	assert.Equal(t, []int{64, 64, 2}, src.sizes)
	assert.Equal(t, 130+Overhead, container.Len())
}

func TestContainerLengthIndependentOfChunkSize(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	plaintext := make([]byte, 130)
	for _, chunkSize := range []int{1, 64, 130, 4096} {
		c, err := New(sess, chunkSize)
		require.NoError(t, err)

		var container bytes.Buffer
		require.NoError(t, c.Encrypt(context.Background(), bytes.NewReader(plaintext), &container, nil))
		assert.Equal(t, 130+Overhead, container.Len(), "chunk size %d", chunkSize)
	}
}

func TestCrossChunkSizeRoundTrip(t *testing.T) {
	// Encrypting with one chunk size and decrypting with another must
	// work: the container carries no chunk structure.
	sess := newTestSession(t, "correct horse battery staple")

	plaintext := make([]byte, 1000)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	enc, err := New(sess, 64)
	require.NoError(t, err)
	dec, err := New(sess, 333)
	require.NoError(t, err)

	var container bytes.Buffer
	require.NoError(t, enc.Encrypt(context.Background(), bytes.NewReader(plaintext), &container, nil))

	var out bytes.Buffer
	require.NoError(t, dec.Decrypt(context.Background(), bytes.NewReader(container.Bytes()),
		int64(container.Len()-Overhead), &out, nil))
	assert.Equal(t, plaintext, out.Bytes())
}

func TestTamperDetection(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	plaintext := []byte("the eagles have left the nest, repeat, left the nest")
	c, err := New(sess, 16)
	require.NoError(t, err)

	var container bytes.Buffer
	require.NoError(t, c.Encrypt(context.Background(), bytes.NewReader(plaintext), &container, nil))
	original := container.Bytes()

	// Flip every single byte of the container, one at a time. Nonce,
	// body or tag: decryption must always fail closed.
	for i := range original {
		mutated := make([]byte, len(original))
		copy(mutated, original)
		mutated[i] ^= 0x01

		var out bytes.Buffer
		err := c.Decrypt(context.Background(), bytes.NewReader(mutated),
			int64(len(mutated)-Overhead), &out, nil)
		assert.ErrorIs(t, err, errs.ErrIntegrity, "flipped byte %d", i)
	}
}

func TestWrongKeyFailsClosed(t *testing.T) {
	sessA := newTestSession(t, "correct horse battery staple")
	sessB := newTestSession(t, "completely different password")

	plaintext := []byte("sensitive data")
	encA, err := New(sessA, 64)
	require.NoError(t, err)
	decB, err := New(sessB, 64)
	require.NoError(t, err)

	var container bytes.Buffer
	require.NoError(t, encA.Encrypt(context.Background(), bytes.NewReader(plaintext), &container, nil))

	var out bytes.Buffer
	err = decB.Decrypt(context.Background(), bytes.NewReader(container.Bytes()),
		int64(container.Len()-Overhead), &out, nil)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}

func TestNonceFreshPerEncryption(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	c, err := New(sess, 64)
	require.NoError(t, err)

	var a, b bytes.Buffer
	plaintext := []byte("same plaintext twice")
	require.NoError(t, c.Encrypt(context.Background(), bytes.NewReader(plaintext), &a, nil))
	require.NoError(t, c.Encrypt(context.Background(), bytes.NewReader(plaintext), &b, nil))

	assert.NotEqual(t, a.Bytes()[:NonceSize], b.Bytes()[:NonceSize])
	assert.NotEqual(t, a.Bytes()[NonceSize:], b.Bytes()[NonceSize:])
}

func TestEncryptDecryptFiles(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")
	dir := t.TempDir()

	src := filepath.Join(dir, "report.txt")
	enc := filepath.Join(dir, "report.txt.lock")
	dec := filepath.Join(dir, "report-restored.txt")

	plaintext := make([]byte, 100_000)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, plaintext, 0o600))

	c, err := New(sess, 4096)
	require.NoError(t, err)

	var encrypted, decrypted int64
	require.NoError(t, c.EncryptFile(context.Background(), src, enc, func(n int64) { encrypted += n }))
	require.NoError(t, c.DecryptFile(context.Background(), enc, dec, func(n int64) { decrypted += n }))

	out, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
	assert.Equal(t, int64(len(plaintext)), encrypted, "progress counts source bytes")
	assert.Equal(t, int64(len(plaintext)+Overhead), decrypted,
		"progress counts every artifact byte, so the fraction reaches 1")
}

func TestDecryptTruncatedContainer(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")
	dir := t.TempDir()

	short := filepath.Join(dir, "short.lock")
	require.NoError(t, os.WriteFile(short, make([]byte, Overhead-1), 0o600))

	c, err := New(sess, 64)
	require.NoError(t, err)
	err = c.DecryptFile(context.Background(), short, filepath.Join(dir, "out"), nil)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}

// cancellingReader cancels the context once the first read has been
// served, standing in for a user hitting stop while a slow device drips
// data.
type cancellingReader struct {
	r      io.Reader
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.once.Do(c.cancel)
	return n, err
}

func TestCancellationWithinLargeChunk(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	// One configured chunk would swallow the whole input; the cancel
	// request must still interrupt the stream partway through.
	c, err := New(sess, 64*1024*1024)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancellingReader{r: bytes.NewReader(make([]byte, 3<<20)), cancel: cancel}

	err = c.Encrypt(ctx, src, io.Discard, nil)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestCancellationAtChunkBoundary(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	c, err := New(sess, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err = c.Encrypt(ctx, bytes.NewReader(make([]byte, 1024)), &out, nil)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestRejectsBadConfiguration(t *testing.T) {
	sess := newTestSession(t, "correct horse battery staple")

	_, err := New(sess, 0)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = New(nil, 64)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
