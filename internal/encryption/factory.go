package encryption

import (
	"fmt"

	"zw-go/internal/config"
	"zw-go/internal/witness"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (witness.Encryptor, error) {
	switch cfg.Type {
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none", "":
		return NewNoneEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
