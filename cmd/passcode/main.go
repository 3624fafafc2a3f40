// Command passcode encrypts, decrypts and shreds files with a
// password-protected key file.
//
//	passcode genkey  -key vault.key
//	passcode encrypt -key vault.key FILE...
//	passcode decrypt -key vault.key FILE.lock...
//	passcode shred   FILE...
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/DoubleLatte/passcode/internal/batch"
	"github.com/DoubleLatte/passcode/internal/config"
	"github.com/DoubleLatte/passcode/internal/core/domain"
	"github.com/DoubleLatte/passcode/internal/core/ports"
	"github.com/DoubleLatte/passcode/internal/device"
	"github.com/DoubleLatte/passcode/internal/encryption/chunking"
	"github.com/DoubleLatte/passcode/internal/encryption/stream"
	"github.com/DoubleLatte/passcode/internal/fsx"
	"github.com/DoubleLatte/passcode/internal/keyvault"
	"github.com/DoubleLatte/passcode/internal/logging"
	"github.com/DoubleLatte/passcode/internal/preflight"
	s3store "github.com/DoubleLatte/passcode/internal/storage/s3"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "genkey":
		err = runGenkey(ctx, cfg, os.Args[2:])
	case "encrypt":
		err = runBatch(ctx, cfg, log, domain.OpEncrypt, os.Args[2:])
	case "decrypt":
		err = runBatch(ctx, cfg, log, domain.OpDecrypt, os.Args[2:])
	case "shred":
		err = runShred(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  passcode genkey  -key PATH        create a password-protected key file")
	fmt.Fprintln(os.Stderr, "  passcode encrypt -key PATH FILE...  encrypt files (multiple files become one bundle)")
	fmt.Fprintln(os.Stderr, "  passcode decrypt -key PATH FILE.lock...  restore encrypted files")
	fmt.Fprintln(os.Stderr, "  passcode shred   FILE...          destroy files beyond recovery")
}

func runGenkey(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	keyPath := fs.String("key", "vault.key", "key file to create")
	bind := fs.Bool("bind-device", cfg.BindDevice, "bind the key file to this machine")
	fs.Parse(args)

	password, err := promptPassword("New password: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		keyvault.Zero(password)
		return err
	}
	if string(password) != string(confirm) {
		keyvault.Zero(password)
		keyvault.Zero(confirm)
		return fmt.Errorf("passwords do not match")
	}
	keyvault.Zero(confirm)

	sess, err := keyvault.Generate(password, *keyPath, keyvault.Options{BindDevice: *bind})
	if err != nil {
		return err
	}
	sess.Close()
	fmt.Printf("key file written to %s\n", *keyPath)
	if *bind {
		fp, err := device.Fingerprint()
		if err != nil {
			return fmt.Errorf("key file written, but failed to read device identity: %w", err)
		}
		fmt.Printf("bound to this machine (fingerprint %s)\n", fp[:16])
	}
	return nil
}

func runBatch(ctx context.Context, cfg config.Config, log logging.Logger, op domain.Operation, args []string) error {
	fs := flag.NewFlagSet(string(op), flag.ExitOnError)
	keyPath := fs.String("key", "vault.key", "key file to use")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("no files given")
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	sess, err := keyvault.Load(password, *keyPath, keyvault.Options{BindDevice: cfg.BindDevice})
	if err != nil {
		return err
	}
	defer sess.Close()

	o, err := buildOrchestrator(ctx, cfg, log, sess)
	if err != nil {
		return err
	}

	var result *domain.BatchResult
	switch op {
	case domain.OpEncrypt:
		result, err = o.Encrypt(ctx, fs.Args())
	case domain.OpDecrypt:
		result, err = o.Decrypt(ctx, fs.Args())
	}
	if err != nil {
		return err
	}
	report(result)
	return result.Outcome()
}

func runShred(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("shred", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("no files given")
	}

	eraser := fsx.NewEraser()
	var failed int
	for _, path := range fs.Args() {
		if err := eraser.Erase(ctx, path); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "  failed  %s: %v\n", path, err)
			continue
		}
		fmt.Printf("  destroyed  %s\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files not destroyed", failed, fs.NArg())
	}
	return nil
}

func buildOrchestrator(ctx context.Context, cfg config.Config, log logging.Logger, sess *keyvault.Session) (*batch.Orchestrator, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = batch.DefaultWorkers()
	}

	usable, err := preflight.UsableMemory()
	if err != nil {
		log.Warn(ctx, "host memory not discoverable, using default chunk size", "error", err)
	}
	chunkSize := chunking.Compute(cfg.ChunkSize, workers, usable)

	cipher, err := stream.New(sess, chunkSize)
	if err != nil {
		return nil, err
	}
	verifier := fsx.NewVerifier(func(ctx context.Context, src, dst string) error {
		return cipher.DecryptFile(ctx, src, dst, nil)
	}, fsx.VerifyMode(cfg.VerifyMode), stream.Overhead)

	var store ports.ArtifactStore
	if cfg.S3Bucket != "" {
		s3, err := s3store.NewClient(ctx, cfg.S3Bucket)
		if err != nil {
			return nil, err
		}
		store = s3
	}

	return batch.New(cipher, fsx.NewEraser(), verifier, batch.Options{
		Workers:      workers,
		RemoveSource: cfg.RemoveSource,
		Store:        store,
		Logger:       log,
	})
}

func report(result *domain.BatchResult) {
	for _, t := range result.Tasks {
		switch t.Status() {
		case domain.StatusCompleted:
			fmt.Printf("  ok      %s (%s)\n", t.Source, t.Duration().Round(time.Millisecond))
		case domain.StatusCancelled:
			fmt.Printf("  stopped %s\n", t.Source)
		default:
			fmt.Printf("  failed  %s: %v\n", t.Source, t.Err())
		}
	}
	fmt.Printf("%d completed, %d failed, %d cancelled (%.0f%% of bytes processed)\n",
		result.Completed, result.Failed, result.Cancelled, result.Progress()*100)
}

// promptPassword reads a password without echo when stdin is a terminal,
// and falls back to a plain line read so the command stays scriptable.
func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return password, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return []byte(line), nil
}
