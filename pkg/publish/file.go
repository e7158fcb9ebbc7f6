package publish

import (
	"context"
	"fmt"

	"github.com/google/renameio/v2"
)

// DefaultPath is where the service reads its service level.
const DefaultPath = "/tmp/serviceLevel"

// FilePublisher writes the service level to a file. The file is replaced
// atomically, so a reader sees either the old or the new value.
type FilePublisher struct {
	path string
}

// NewFilePublisher creates a publisher writing to path.
func NewFilePublisher(path string) *FilePublisher {
	return &FilePublisher{path: path}
}

// Path returns the published file.
func (f *FilePublisher) Path() string {
	return f.path
}

// Publish implements Publisher.
func (f *FilePublisher) Publish(_ context.Context, serviceLevel float64) error {
	data := append(Format(serviceLevel), '\n')
	if err := renameio.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("publish service level to %s: %w", f.path, err)
	}
	return nil
}
