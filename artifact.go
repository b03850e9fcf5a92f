package capture

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Artifact is a finalized recording. Its bytes never change after creation.
type Artifact struct {
	ID        string
	MimeType  string
	CreatedAt time.Time
	data      []byte
}

// newArtifact concatenates chunks in order into one blob.
func newArtifact(chunks [][]byte, mimeType string) *Artifact {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return &Artifact{
		ID:        uuid.NewString(),
		MimeType:  mimeType,
		CreatedAt: time.Now(),
		data:      data,
	}
}

// Size returns the blob size in bytes.
func (a *Artifact) Size() int { return len(a.data) }

// Bytes returns a copy of the blob.
func (a *Artifact) Bytes() []byte { return bytes.Clone(a.data) }

// Reader returns a reader over the blob.
func (a *Artifact) Reader() io.ReadSeeker { return bytes.NewReader(a.data) }

// Extension returns the file extension matching the mime type.
func (a *Artifact) Extension() string { return ExtensionFor(a.MimeType) }

// ObjectURLs maps opaque "blob:" URLs to artifacts (like URL.createObjectURL).
type ObjectURLs struct {
	mu   sync.RWMutex
	urls map[string]*Artifact
}

// NewObjectURLs creates an empty URL registry.
func NewObjectURLs() *ObjectURLs {
	return &ObjectURLs{urls: make(map[string]*Artifact)}
}

// Create registers a new URL for a.
func (o *ObjectURLs) Create(a *Artifact) string {
	url := "blob:" + uuid.NewString()
	o.mu.Lock()
	o.urls[url] = a
	o.mu.Unlock()
	return url
}

// Revoke releases url. It reports whether the URL was live.
func (o *ObjectURLs) Revoke(url string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.urls[url]; !ok {
		return false
	}
	delete(o.urls, url)
	return true
}

// Resolve returns the artifact behind a live URL.
func (o *ObjectURLs) Resolve(url string) (*Artifact, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.urls[url]
	return a, ok
}

// Count returns the number of live URLs.
func (o *ObjectURLs) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.urls)
}

// Saver persists a downloaded artifact under a file name.
type Saver interface {
	Save(name string, artifact *Artifact) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(name string, artifact *Artifact) error

func (f SaverFunc) Save(name string, artifact *Artifact) error { return f(name, artifact) }

// DirSaver writes artifacts into a directory, creating it when missing.
type DirSaver struct {
	Dir string
}

// Save implements Saver.
func (d DirSaver) Save(name string, artifact *Artifact) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(d.Dir, filepath.Base(name))
	if err := os.WriteFile(path, artifact.data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
