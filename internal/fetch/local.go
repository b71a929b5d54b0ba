package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// FileTransport serves file:// locators from the local filesystem. Local
// sources still flow through the fetcher so staging and retry semantics
// stay uniform.
type FileTransport struct{}

func NewFileTransport() *FileTransport {
	return &FileTransport{}
}

func (t *FileTransport) Open(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	path := strings.TrimPrefix(locator, "file://")

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening local source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("local source %s is a directory", path)
	}
	return f, info.Size(), nil
}
