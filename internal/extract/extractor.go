// Package extract unpacks dataset archives. Extraction streams entry by
// entry to bound memory regardless of archive size, and is all-or-nothing:
// a failed extraction removes the partially-written target directory.
package extract

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedFormat is returned for formats the extractor does not know.
// The target directory is not touched in that case.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// Error wraps an extraction failure after the target has been cleaned up.
type Error struct {
	Archive string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Archive, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome summarizes a successful extraction.
type Outcome struct {
	Entries int
	Bytes   int64
}

// Extract unpacks archivePath into targetDir. The format comes from the
// dataset descriptor, never from sniffing file contents. "zip" handles zip
// archives; "tar" handles plain, gzip and zstd compressed tarballs, chosen
// by file extension.
func Extract(archivePath, targetDir, format string) (Outcome, error) {
	var (
		out Outcome
		err error
	)

	switch format {
	case "zip":
		out, err = extractZip(archivePath, targetDir)
	case "tar":
		out, err = extractTar(archivePath, targetDir)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if err != nil {
		os.RemoveAll(targetDir)
		return Outcome{}, &Error{Archive: archivePath, Err: err}
	}
	return out, nil
}

func extractZip(archivePath, targetDir string) (Outcome, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return Outcome{}, err
	}
	defer r.Close()

	var out Outcome
	for _, f := range r.File {
		dest, err := securePath(targetDir, f.Name)
		if err != nil {
			return out, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return out, err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return out, err
		}
		n, err := writeEntry(dest, rc, f.Mode())
		rc.Close()
		if err != nil {
			return out, err
		}
		out.Entries++
		out.Bytes += n
	}
	return out, nil
}

func extractTar(archivePath, targetDir string) (Outcome, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Outcome{}, err
	}
	defer f.Close()

	var src io.Reader = f
	switch {
	case strings.HasSuffix(archivePath, ".gz"), strings.HasSuffix(archivePath, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Outcome{}, err
		}
		defer gz.Close()
		src = gz
	case strings.HasSuffix(archivePath, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return Outcome{}, err
		}
		defer zr.Close()
		src = zr
	}

	tr := tar.NewReader(src)
	var out Outcome
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}

		dest, err := securePath(targetDir, hdr.Name)
		if err != nil {
			return out, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return out, err
			}
		case tar.TypeReg:
			n, err := writeEntry(dest, tr, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return out, err
			}
			out.Entries++
			out.Bytes += n
		default:
			// Symlinks and specials are dropped; dataset archives
			// carry regular files.
		}
	}
	return out, nil
}

func writeEntry(dest string, src io.Reader, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// securePath rejects entries that would escape the target directory.
func securePath(targetDir, name string) (string, error) {
	dest := filepath.Join(targetDir, filepath.Clean("/"+name))
	if dest != targetDir && !strings.HasPrefix(dest, targetDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry escapes target dir: %s", name)
	}
	return dest, nil
}
