package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SaveUpload writes an uploaded document into the documents directory.
// Filenames are flattened to their base name so uploads cannot escape the
// directory. Returns the stored path and size.
func SaveUpload(docsDir, filename string, r io.Reader) (string, int64, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", 0, fmt.Errorf("invalid filename: %q", filename)
	}
	if !Supported(name) {
		return "", 0, fmt.Errorf("unsupported file type: %s (expected .txt, .md, .pdf, or .docx)", name)
	}

	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return "", 0, err
	}

	dst := filepath.Join(docsDir, name)
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(dst)
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	return dst, size, nil
}
