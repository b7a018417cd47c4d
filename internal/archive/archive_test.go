package archive_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"zw-go/internal/archive"
	"zw-go/internal/witness"
)

// backend test matrix: both flat archive implementations must behave the same.
func backends(t *testing.T) map[string]witness.Archive {
	t.Helper()
	fs, err := archive.NewFileSystemArchive("fs", t.TempDir())
	if err != nil {
		t.Fatalf("creating filesystem archive: %v", err)
	}
	return map[string]witness.Archive{
		"memory":     archive.NewMemoryArchive("mem"),
		"filesystem": fs,
	}
}

func TestArchiveBackends(t *testing.T) {
	ctx := context.Background()

	for name, a := range backends(t) {
		t.Run(name, func(t *testing.T) {
			payload := []byte("witness database contents")

			t.Run("put and get round trip", func(t *testing.T) {
				if err := a.Put(ctx, "witness-20250615T120000Z.db.age", bytes.NewReader(payload), int64(len(payload))); err != nil {
					t.Fatalf("Put: %v", err)
				}
				var buf bytes.Buffer
				if err := a.Get(ctx, "witness-20250615T120000Z.db.age", &buf); err != nil {
					t.Fatalf("Get: %v", err)
				}
				if !bytes.Equal(buf.Bytes(), payload) {
					t.Errorf("got %q", buf.Bytes())
				}
			})

			t.Run("size mismatch rejected", func(t *testing.T) {
				err := a.Put(ctx, "bad", bytes.NewReader(payload), int64(len(payload))+5)
				if err == nil || !strings.Contains(err.Error(), "size mismatch") {
					t.Fatalf("err = %v, want size mismatch", err)
				}
			})

			t.Run("missing object", func(t *testing.T) {
				var buf bytes.Buffer
				if err := a.Get(ctx, "nope", &buf); err == nil {
					t.Fatal("expected not found error")
				}
			})

			t.Run("list is sorted ascending", func(t *testing.T) {
				for _, n := range []string{"witness-20250620T000000Z.db.age", "witness-20250610T000000Z.db.age"} {
					if err := a.Put(ctx, n, bytes.NewReader(payload), int64(len(payload))); err != nil {
						t.Fatal(err)
					}
				}
				names, err := a.List(ctx)
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				for i := 1; i < len(names); i++ {
					if names[i] < names[i-1] {
						t.Fatalf("names not sorted: %v", names)
					}
				}
				if names[len(names)-1] != "witness-20250620T000000Z.db.age" {
					t.Errorf("newest = %s", names[len(names)-1])
				}
			})

			t.Run("validate setup", func(t *testing.T) {
				if err := a.ValidateSetup(ctx); err != nil {
					t.Errorf("ValidateSetup: %v", err)
				}
			})
		})
	}
}

func TestFileSystemArchiveSkipsDotfiles(t *testing.T) {
	root := t.TempDir()
	a, err := archive.NewFileSystemArchive("fs", root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".tmp-leftover"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	names, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("names = %v, want dotfiles and directories skipped", names)
	}
}
