package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry names inside a database payload bundle
const (
	bundleDumpEntry       = "database/dump"
	bundleTablesEntry     = "database/tables.json"
	bundleDocumentsPrefix = "documents/"
)

// Bundle is the raw payload of a FULL or SELECTIVE backup: the dump stream,
// the tables it covers and, optionally, the document store.
type Bundle struct {
	Dump      []byte
	Tables    []string
	Documents map[string][]byte
}

// Marshal writes the bundle as an uncompressed tar stream. Entries are
// written in sorted order so identical content gives identical bytes.
func (b *Bundle) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	tablesJSON, err := json.Marshal(b.Tables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal table list: %w", err)
	}

	if err := writeTarEntry(tw, bundleTablesEntry, tablesJSON); err != nil {
		return nil, err
	}
	if err := writeTarEntry(tw, bundleDumpEntry, b.Dump); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(b.Documents))
	for name := range b.Documents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := writeTarEntry(tw, bundleDocumentsPrefix+name, b.Documents[name]); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close bundle: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalBundle reads a bundle written by Marshal
func UnmarshalBundle(data []byte) (*Bundle, error) {
	bundle := &Bundle{Documents: make(map[string][]byte)}
	tr := tar.NewReader(bytes.NewReader(data))
	sawDump := false

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read bundle entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read bundle entry %s: %w", header.Name, err)
		}

		switch {
		case header.Name == bundleDumpEntry:
			bundle.Dump = content
			sawDump = true
		case header.Name == bundleTablesEntry:
			if err := json.Unmarshal(content, &bundle.Tables); err != nil {
				return nil, fmt.Errorf("failed to parse table list: %w", err)
			}
		case strings.HasPrefix(header.Name, bundleDocumentsPrefix):
			name, ok := cleanRelativePath(strings.TrimPrefix(header.Name, bundleDocumentsPrefix))
			if !ok {
				return nil, fmt.Errorf("bundle document has unsafe path: %s", header.Name)
			}
			bundle.Documents[name] = content
		}
	}

	if !sawDump {
		return nil, errors.New("bundle has no database dump")
	}

	return bundle, nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o640,
		ModTime:  time.Unix(0, 0),
		Typeflag: tar.TypeReg,
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write bundle header for %s: %w", name, err)
	}

	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write bundle entry %s: %w", name, err)
	}

	return nil
}

// CollectDocuments reads every regular file under dir, keyed by slash
// separated relative path. A missing dir yields an empty set.
func CollectDocuments(ctx context.Context, dir string) (map[string][]byte, error) {
	documents := make(map[string][]byte)
	if dir == "" {
		return documents, nil
	}

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return documents, nil
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read document %s: %w", p, err)
		}
		documents[filepath.ToSlash(rel)] = content

		return nil
	})
	if err != nil {
		return nil, err
	}

	return documents, nil
}

// RestoreDocuments writes documents back under dir and returns how many were written
func RestoreDocuments(dir string, documents map[string][]byte) (int, error) {
	if len(documents) == 0 {
		return 0, nil
	}
	if dir == "" {
		return 0, errors.New("no documents directory configured")
	}

	written := 0
	for name, content := range documents {
		rel, ok := cleanRelativePath(name)
		if !ok {
			return written, fmt.Errorf("document has unsafe path: %s", name)
		}

		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return written, fmt.Errorf("failed to create document directory: %w", err)
		}
		if err := os.WriteFile(target, content, 0o640); err != nil {
			return written, fmt.Errorf("failed to write document %s: %w", rel, err)
		}
		written++
	}

	return written, nil
}

// cleanRelativePath rejects absolute paths and anything escaping the root
func cleanRelativePath(name string) (string, bool) {
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "." || path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}
