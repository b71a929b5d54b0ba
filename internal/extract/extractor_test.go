package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeTarGz(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "archive.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtract_Zip(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"train.jsonl":       `{"text":"a"}`,
		"nested/test.jsonl": `{"text":"b"}`,
		"nested/deep/v.txt": "c",
	})
	target := filepath.Join(t.TempDir(), "out")

	out, err := Extract(archive, target, "zip")
	if err != nil {
		t.Fatal(err)
	}
	if out.Entries != 3 {
		t.Fatalf("expected 3 entries, got %d", out.Entries)
	}

	got, err := os.ReadFile(filepath.Join(target, "nested", "test.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"text":"b"}` {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestExtract_TarGz(t *testing.T) {
	archive := writeTarGz(t, map[string]string{
		"data/train.txt": "first",
		"data/valid.txt": "second",
	})
	target := filepath.Join(t.TempDir(), "out")

	out, err := Extract(archive, target, "tar")
	if err != nil {
		t.Fatal(err)
	}
	if out.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", out.Entries)
	}

	got, err := os.ReadFile(filepath.Join(target, "data", "valid.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	archive := writeZip(t, map[string]string{"a.txt": "a"})
	target := filepath.Join(t.TempDir(), "out")

	_, err := Extract(archive, target, "rar")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("target dir must not be created for unsupported format, stat err = %v", err)
	}
}

func TestExtract_CorruptedArchiveLeavesNothing(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "broken.zip")
	if err := os.WriteFile(archive, []byte("this is not a zip file"), 0644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(t.TempDir(), "out")

	_, err := Extract(archive, target, "zip")
	if err == nil {
		t.Fatal("expected extraction error")
	}
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("expected *extract.Error, got %T", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected target dir removed after failure, stat err = %v", err)
	}
}

func TestExtract_TruncatedTarLeavesNothing(t *testing.T) {
	archive := writeTarGz(t, map[string]string{"a.txt": "some content here"})
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	truncated := filepath.Join(t.TempDir(), "truncated.tar.gz")
	if err := os.WriteFile(truncated, data[:len(data)/2], 0644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(t.TempDir(), "out")

	if _, err := Extract(truncated, target, "tar"); err == nil {
		t.Fatal("expected extraction error for truncated archive")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected target dir removed after failure, stat err = %v", err)
	}
}

func TestExtract_NeutralizesPathTraversal(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out")
	dest, err := securePath(target, "../../outside.txt")
	if err != nil {
		t.Fatal(err)
	}
	if dest != filepath.Join(target, "outside.txt") {
		t.Fatalf("traversal not rooted at target: %s", dest)
	}
}
