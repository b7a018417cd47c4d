package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"zw-go/internal/witness"
)

// DBSnapshotter produces a consistent copy of the witness database at a path.
type DBSnapshotter interface {
	SnapshotTo(destPath string) error
}

// Archiver pushes encrypted copies of the witness database to an archive
// backend, either on demand or automatically every N successful passes.
type Archiver struct {
	db          DBSnapshotter
	archive     witness.Archive
	encryptor   witness.Encryptor
	clock       witness.Clock
	logger      witness.Logger
	everyPasses int
	passCount   int
}

// NewArchiver creates an Archiver. everyPasses of zero disables automatic
// archiving; PushIfDue then never fires.
func NewArchiver(db DBSnapshotter, archive witness.Archive, encryptor witness.Encryptor, clock witness.Clock, logger witness.Logger, everyPasses int) *Archiver {
	return &Archiver{
		db:          db,
		archive:     archive,
		encryptor:   encryptor,
		clock:       clock,
		logger:      logger,
		everyPasses: everyPasses,
	}
}

// archiveName returns the object name for an archive taken at t. Names sort
// chronologically, so List's last entry is always the newest.
func archiveName(t time.Time) string {
	return "witness-" + t.UTC().Format("20060102T150405Z") + ".db.age"
}

// Push snapshots the database, encrypts the copy, and uploads it. Returns the
// archive name.
func (a *Archiver) Push(ctx context.Context) (string, error) {
	tmpDir, err := os.MkdirTemp("", "zw-archive-*")
	if err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// VACUUM INTO refuses to overwrite, so the snapshot path must not exist.
	dbCopy := filepath.Join(tmpDir, "witness.db")
	if err := a.db.SnapshotTo(dbCopy); err != nil {
		return "", fmt.Errorf("snapshotting database: %w", err)
	}

	plain, err := os.Open(dbCopy)
	if err != nil {
		return "", fmt.Errorf("opening database copy: %w", err)
	}
	defer plain.Close()

	encPath := filepath.Join(tmpDir, "witness.db.age")
	encFile, err := os.Create(encPath)
	if err != nil {
		return "", fmt.Errorf("creating encrypted file: %w", err)
	}
	if err := a.encryptor.Encrypt(plain, encFile); err != nil {
		encFile.Close()
		return "", fmt.Errorf("encrypting archive: %w", err)
	}
	if err := encFile.Close(); err != nil {
		return "", fmt.Errorf("closing encrypted file: %w", err)
	}

	info, err := os.Stat(encPath)
	if err != nil {
		return "", fmt.Errorf("sizing encrypted file: %w", err)
	}
	enc, err := os.Open(encPath)
	if err != nil {
		return "", fmt.Errorf("opening encrypted file: %w", err)
	}
	defer enc.Close()

	name := archiveName(a.clock.Now())
	if err := a.archive.Put(ctx, name, enc, info.Size()); err != nil {
		return "", fmt.Errorf("uploading archive: %w", err)
	}
	a.logger.Info("database archived", "name", name, "bytes", info.Size())
	return name, nil
}

// PushIfDue counts a successful pass and pushes an archive once every
// configured number of passes has elapsed. Errors are logged, not returned;
// archiving must never disturb reconciliation.
func (a *Archiver) PushIfDue(ctx context.Context) {
	if a.everyPasses <= 0 {
		return
	}
	a.passCount++
	if a.passCount < a.everyPasses {
		return
	}
	a.passCount = 0
	if _, err := a.Push(ctx); err != nil {
		a.logger.Error("automatic archive failed", "error", err)
	}
}

// Restore downloads the named archive (or the newest one when name is empty),
// decrypts it with the unlocked context, and writes the database to destPath.
func (a *Archiver) Restore(ctx context.Context, name, destPath string, dec witness.DecryptionContext) error {
	if name == "" {
		names, err := a.archive.List(ctx)
		if err != nil {
			return fmt.Errorf("listing archives: %w", err)
		}
		if len(names) == 0 {
			return fmt.Errorf("no archives available")
		}
		name = names[len(names)-1]
	}

	tmpDir, err := os.MkdirTemp("", "zw-restore-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	encPath := filepath.Join(tmpDir, "witness.db.age")
	encFile, err := os.Create(encPath)
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	if err := a.archive.Get(ctx, name, encFile); err != nil {
		encFile.Close()
		return fmt.Errorf("downloading archive %s: %w", name, err)
	}
	if err := encFile.Close(); err != nil {
		return fmt.Errorf("closing download file: %w", err)
	}

	enc, err := os.Open(encPath)
	if err != nil {
		return fmt.Errorf("opening download file: %w", err)
	}
	defer enc.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating restored database: %w", err)
	}
	defer dest.Close()

	if err := dec.Decrypt(enc, dest); err != nil {
		return fmt.Errorf("decrypting archive %s: %w", name, err)
	}
	a.logger.Info("database restored", "name", name, "path", destPath)
	return nil
}
