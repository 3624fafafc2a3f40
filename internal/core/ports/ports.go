// Package ports defines the interfaces the batch orchestrator composes.
// Implementations live under internal/encryption, internal/fsx and
// internal/storage; tests substitute function-field fakes.
package ports

import "context"

// ProgressFunc receives the number of additional source bytes processed.
type ProgressFunc func(n int64)

// Cipher performs chunked, strictly sequential encryption and decryption of
// single files. Implementations must poll ctx at every chunk boundary.
type Cipher interface {
	EncryptFile(ctx context.Context, src, dst string, onProgress ProgressFunc) error
	DecryptFile(ctx context.Context, src, dst string, onProgress ProgressFunc) error
}

// Eraser destroys file contents beyond recovery before removing the entry.
// A missing path or a zero-length file is a successful no-op.
type Eraser interface {
	Erase(ctx context.Context, path string) error
}

// Verifier confirms that artifact decrypts back to the exact bytes of
// original before a transaction is allowed to commit.
type Verifier interface {
	Verify(ctx context.Context, original, artifact string) error
}

// ArtifactStore replicates committed encrypted artifacts to a secondary
// location. The engine never sends plaintext through it.
type ArtifactStore interface {
	Put(ctx context.Context, localPath, name string) error
	Delete(ctx context.Context, name string) error
}
