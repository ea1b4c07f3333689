package tools

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxFileBytes = 64 << 10

// resolveWithin joins a user-supplied relative path against root and rejects
// anything that escapes it.
func resolveWithin(root, input string) (string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(input))
	if cleaned == "" || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("path must be relative to the documents directory: %q", input)
	}
	full := filepath.Join(root, cleaned)

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the documents directory: %q", input)
	}
	return full, nil
}

// FileRead returns the contents of one file under the documents directory.
type FileRead struct {
	root string
}

func NewFileRead(root string) *FileRead {
	return &FileRead{root: root}
}

func (t *FileRead) Name() string { return "file_read" }

func (t *FileRead) Description() string {
	return "Read a file from the documents directory. Input: the file path relative to that directory."
}

func (t *FileRead) Execute(ctx context.Context, input string) (*Result, error) {
	full, err := resolveWithin(t.root, input)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", input, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory; use file_list to browse it", input)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Read one byte past the cap so truncation is detectable without
	// pulling an arbitrarily large file into memory.
	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) <= maxFileBytes {
		return &Result{Content: string(data)}, nil
	}

	data = trimToRuneBoundary(data[:maxFileBytes])
	return &Result{Content: string(data) + "\n[truncated]"}, nil
}

// trimToRuneBoundary drops a trailing UTF-8 sequence that the byte cut left
// incomplete, so truncated content is still valid UTF-8.
func trimToRuneBoundary(data []byte) []byte {
	for i := 0; i < utf8.UTFMax && i < len(data); i++ {
		start := len(data) - 1 - i
		if !utf8.RuneStart(data[start]) {
			continue
		}
		if !utf8.FullRune(data[start:]) {
			return data[:start]
		}
		break
	}
	return data
}

// FileList enumerates files under the documents directory.
type FileList struct {
	root string
}

func NewFileList(root string) *FileList {
	return &FileList{root: root}
}

func (t *FileList) Name() string { return "file_list" }

func (t *FileList) Description() string {
	return "List files in the documents directory. Input: an optional subdirectory path."
}

func (t *FileList) Execute(ctx context.Context, input string) (*Result, error) {
	dir := t.root
	if strings.TrimSpace(input) != "" {
		full, err := resolveWithin(t.root, input)
		if err != nil {
			return nil, err
		}
		dir = full
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return &Result{Content: "The directory is empty."}, nil
	}
	return &Result{Content: strings.Join(files, "\n")}, nil
}
