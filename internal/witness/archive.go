package witness

import (
	"context"
	"io"
)

// Archive stores encrypted copies of the witness database off-box so a lost
// witness can be rebuilt without waiting for every machine to re-report.
type Archive interface {
	// Put stores an archive under name. size is the number of bytes that will
	// be read from r. Storing the same name twice overwrites.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Get retrieves an archive by name and writes it to w.
	Get(ctx context.Context, name string, w io.Writer) error

	// List returns all archive names, ascending. Names embed the creation
	// timestamp, so the last entry is the most recent archive.
	List(ctx context.Context) ([]string, error)

	// ValidateSetup verifies the archive backend is accessible.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts archives before they leave the witness host.
type Encryptor interface {
	// Setup performs one-time key generation.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w. Uses the
	// public key only, no passphrase required.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase and returns a
	// DecryptionContext valid for the session.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if the key material exists.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the duration
// of a restore. The key is never written to disk.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
