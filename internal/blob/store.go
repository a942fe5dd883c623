// Package blob stores recording audio on the local filesystem under the
// convention {scope}/{timestamp}.{ext}.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotFound is returned when no blob exists at the requested path.
var ErrNotFound = errors.New("blob not found")

// FSStore keeps blobs as plain files below a root directory.
type FSStore struct {
	root string
	now  func() time.Time
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &FSStore{root: root, now: time.Now}, nil
}

// AudioScope returns the storage scope for a recording's audio.
func AudioScope(accountID, recordingID string) string {
	return path.Join("audio", accountID, recordingID)
}

// Object is a stored blob's address and detected type.
type Object struct {
	Path     string
	MIMEType string
	Size     int
}

// Put writes data under scope and returns its relative path. The extension
// comes from the declared MIME type, or from content sniffing when the
// declared type is missing or generic.
func (s *FSStore) Put(ctx context.Context, scope string, data []byte, declaredMIME string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if len(data) == 0 {
		return Object{}, errors.New("empty blob")
	}
	mt := resolveType(data, declaredMIME)
	ext := strings.TrimPrefix(mt.Extension(), ".")
	if ext == "" {
		ext = "bin"
	}

	rel := path.Join(scope, strconv.FormatInt(s.now().UTC().UnixMilli(), 10)+"."+ext)
	full, err := s.resolve(rel)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Object{}, fmt.Errorf("creating blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("writing blob: %w", err)
	}
	return Object{Path: rel, MIMEType: mt.String(), Size: len(data)}, nil
}

// Get reads the blob at a path previously returned by Put.
func (s *FSStore) Get(ctx context.Context, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FSStore) resolve(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(rel, "..") {
		return "", fmt.Errorf("invalid blob path %q", rel)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func resolveType(data []byte, declared string) *mimetype.MIME {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if declared != "" && declared != "application/octet-stream" {
		if mt := mimetype.Lookup(declared); mt != nil {
			return mt
		}
	}
	return mimetype.Detect(data)
}

// IsAudio reports whether data sniffs as an audio (or audio-bearing video
// container) type.
func IsAudio(data []byte) bool {
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if strings.HasPrefix(mt.String(), "audio/") || mt.Is("video/webm") || mt.Is("video/mp4") || mt.Is("application/ogg") {
			return true
		}
	}
	return false
}
