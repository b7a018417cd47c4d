package encryption

import (
	"fmt"
	"io"

	"zw-go/internal/witness"
)

// NoneEncryptor passes data through unchanged, for deployments whose archive
// backend already sits on encrypted storage.
type NoneEncryptor struct{}

var _ witness.Encryptor = (*NoneEncryptor)(nil)

// NewNoneEncryptor creates a passthrough encryptor.
func NewNoneEncryptor() *NoneEncryptor {
	return &NoneEncryptor{}
}

func (*NoneEncryptor) Setup(string) error { return nil }

func (*NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (*NoneEncryptor) Unlock(string) (witness.DecryptionContext, error) {
	return &NoneDecryptionContext{}, nil
}

func (*NoneEncryptor) IsConfigured() bool { return true }

// NoneDecryptionContext passes ciphertext through unchanged.
type NoneDecryptionContext struct{}

var _ witness.DecryptionContext = (*NoneDecryptionContext)(nil)

func (*NoneDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
