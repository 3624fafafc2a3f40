// Package config loads engine settings from the environment, with optional
// .env file support. The interactive front end persists its own preferences
// elsewhere; this package only covers what the engine itself needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Verification modes for encrypted artifacts.
const (
	VerifyAuto   = "auto"   // strong up to a size threshold, then cheap
	VerifyStrong = "strong" // full decrypt + hash comparison
	VerifyCheap  = "cheap"  // size sanity check only
)

// Config holds engine settings.
type Config struct {
	// ChunkSize is the preferred processing buffer size in bytes. The
	// effective size is clamped and memory-capped by the chunking layer.
	ChunkSize int

	// Workers limits batch parallelism. Zero means pick from CPU count.
	Workers int

	// VerifyMode selects round-trip verification behavior.
	VerifyMode string

	// RemoveSource controls whether plaintext originals are securely
	// erased after a successful, verified encryption.
	RemoveSource bool

	// BindDevice mixes the machine identity into key derivation so key
	// files only open on the machine that created them.
	BindDevice bool

	// S3Bucket, if set, enables replication of committed encrypted
	// artifacts to the named bucket. Empty disables replication.
	S3Bucket string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		ChunkSize:    16 * 1024 * 1024,
		Workers:      0,
		VerifyMode:   VerifyAuto,
		RemoveSource: true,
		BindDevice:   false,
		S3Bucket:     "",
		LogLevel:     "info",
	}
}

// Load reads settings from a .env file (if present) and the process
// environment. Environment variables win over defaults:
//
//	PASSCODE_CHUNK_SIZE    bytes, or forms like "16MB", "1GB"
//	PASSCODE_WORKERS       integer
//	PASSCODE_VERIFY_MODE   auto|strong|cheap
//	PASSCODE_KEEP_SOURCE   true keeps plaintext originals
//	PASSCODE_BIND_DEVICE   true binds key files to this machine
//	PASSCODE_S3_BUCKET     bucket name for artifact replication
//	PASSCODE_LOG_LEVEL     debug|info|warn|error
func Load() (Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("PASSCODE_CHUNK_SIZE"); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			return cfg, fmt.Errorf("PASSCODE_CHUNK_SIZE: %w", err)
		}
		cfg.ChunkSize = n
	}
	if v := os.Getenv("PASSCODE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("PASSCODE_WORKERS: invalid value %q", v)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("PASSCODE_VERIFY_MODE"); v != "" {
		switch v {
		case VerifyAuto, VerifyStrong, VerifyCheap:
			cfg.VerifyMode = v
		default:
			return cfg, fmt.Errorf("PASSCODE_VERIFY_MODE: invalid value %q", v)
		}
	}
	if v := os.Getenv("PASSCODE_KEEP_SOURCE"); v != "" {
		cfg.RemoveSource = !isTrue(v)
	}
	if v := os.Getenv("PASSCODE_BIND_DEVICE"); v != "" {
		cfg.BindDevice = isTrue(v)
	}
	if v := os.Getenv("PASSCODE_S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("PASSCODE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ParseSize parses a byte count with an optional KB/MB/GB suffix
// (binary units). Plain integers are taken as bytes.
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := 1
	switch {
	case strings.HasSuffix(s, "GB"):
		mult, s = 1024*1024*1024, strings.TrimSpace(strings.TrimSuffix(s, "GB"))
	case strings.HasSuffix(s, "MB"):
		mult, s = 1024*1024, strings.TrimSpace(strings.TrimSuffix(s, "MB"))
	case strings.HasSuffix(s, "KB"):
		mult, s = 1024, strings.TrimSpace(strings.TrimSuffix(s, "KB"))
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
