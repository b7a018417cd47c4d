package archive

import (
	"context"
	"fmt"

	"zw-go/internal/config"
	"zw-go/internal/witness"
)

// NewArchiveFromConfig creates an Archive implementation based on the archive
// config type.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (witness.Archive, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryArchive(cfg.Name), nil
	case "s3":
		return NewS3Archive(ctx, cfg)
	case "filesystem":
		if cfg.FSArchiveRoot == "" {
			return nil, fmt.Errorf("filesystem archive requires fs_archive_root to be set")
		}
		return NewFileSystemArchive(cfg.Name, cfg.FSArchiveRoot)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}
