// Package upload stores submitted batch files on disk and reopens them for
// processing. The batch references the stored file by attachment id; the
// bytes belong to this store for the batch's entire life.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/cycomachead/canvas-lms/internal/sis"
)

// Store is a disk-backed attachment store rooted at a configured directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Save writes the upload bytes for a batch and returns the attachment id.
// The extension of the submitted filename is preserved so zip payloads stay
// recognizable on disk.
func (s *Store) Save(ctx context.Context, batchID uuid.UUID, filename string, r io.Reader) (uuid.UUID, error) {
	attachmentID := uuid.New()

	path := s.path(attachmentID, filepath.Ext(filename))
	f, err := os.Create(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create attachment file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return uuid.Nil, fmt.Errorf("write attachment: %w", err)
	}
	return attachmentID, nil
}

// Open resolves the batch's upload to a readable stream. A staged local
// path on the batch takes precedence over the stored attachment.
func (s *Store) Open(ctx context.Context, b *sis.Batch) (io.ReadCloser, error) {
	if b.LocalPath != "" {
		f, err := os.Open(b.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("open staged upload: %w", err)
		}
		return f, nil
	}

	matches, err := filepath.Glob(s.path(b.AttachmentID, ".*"))
	if err != nil || len(matches) == 0 {
		// Extension-less uploads are stored bare.
		bare := s.path(b.AttachmentID, "")
		if f, ferr := os.Open(bare); ferr == nil {
			return f, nil
		}
		return nil, fmt.Errorf("attachment %s not found", b.AttachmentID)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	return f, nil
}

func (s *Store) path(attachmentID uuid.UUID, ext string) string {
	return filepath.Join(s.root, attachmentID.String()+ext)
}
