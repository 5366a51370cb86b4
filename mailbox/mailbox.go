// Package mailbox is the durable directory between capture and
// reconciliation. Each artifact is one image file named by its artifact key;
// the file's presence means "not yet verified on the portal".
//
// Writes are atomic (temp file then rename) so the batch never sees a
// partial image, and putting an existing key replaces the file.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/claimsync/claim"
)

// ErrBadKey is returned for keys that would escape the mailbox directory.
var ErrBadKey = errors.New("mailbox: key is not a plain file name")

// Artifact is one pending file.
type Artifact struct {
	Key     string // file name, the artifact key
	Path    string
	Size    int64
	ModTime time.Time
}

// Mailbox is a directory of pending artifacts.
type Mailbox struct {
	dir string
}

// New returns a Mailbox rooted at dir. The directory is created on first Put.
func New(dir string) *Mailbox {
	return &Mailbox{dir: dir}
}

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string { return m.dir }

// Put stores data under key and returns the file path.
func (m *Mailbox) Put(ctx context.Context, key string, data []byte) (string, error) {
	target, err := m.path(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("mailbox: mkdir %s: %w", m.dir, err)
	}

	tmp, err := os.CreateTemp(m.dir, ".put-*.tmp")
	if err != nil {
		return "", fmt.Errorf("mailbox: create tmp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("mailbox: write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("mailbox: sync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("mailbox: close tmp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("mailbox: rename: %w", err)
	}
	return target, nil
}

// Pending lists the artifacts with a known image extension, sorted by key.
// A missing directory is an empty mailbox.
func (m *Mailbox) Pending() ([]Artifact, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: list %s: %w", m.dir, err)
	}

	var out []Artifact
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !claim.IsImageExt(filepath.Ext(name)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Artifact{
			Key:     name,
			Path:    filepath.Join(m.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Read returns the bytes stored under key.
func (m *Mailbox) Read(key string) ([]byte, error) {
	p, err := m.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("mailbox: read %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the artifact. Removing a missing key is not an error.
func (m *Mailbox) Remove(key string) error {
	p, err := m.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("mailbox: remove %s: %w", key, err)
	}
	return nil
}

func (m *Mailbox) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, 0) {
		return "", ErrBadKey
	}
	return filepath.Join(m.dir, key), nil
}
