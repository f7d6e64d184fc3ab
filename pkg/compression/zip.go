package compression

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"time"
)

// ContentTypeZip is the media type of a container.
const ContentTypeZip = "application/zip"

// ErrEntryNotFound is returned when a container has no entry by that name.
var ErrEntryNotFound = errors.New("entry not found in container")

// Container is an in-memory zip archive.
type Container struct {
	names            []string
	entries          map[string][]byte
	compressionLevel int
}

// NewContainer creates an empty container with default compression level.
func NewContainer() *Container {
	return NewContainerWithLevel(flate.DefaultCompression)
}

// NewContainerWithLevel creates an empty container with the given deflate
// level.
func NewContainerWithLevel(level int) *Container {
	return &Container{
		entries:          make(map[string][]byte),
		compressionLevel: level,
	}
}

// OpenContainer reads a serialized container. Empty data yields an empty
// container, so callers can open-or-create in one step.
func OpenContainer(data []byte) (*Container, error) {
	c := NewContainer()
	if len(data) == 0 {
		return c, nil
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip container: %w", err)
	}
	for _, f := range reader.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", f.Name, err)
		}
		c.Put(f.Name, buf.Bytes())
	}
	return c, nil
}

// Put adds or replaces an entry.
func (c *Container) Put(name string, data []byte) {
	if _, ok := c.entries[name]; !ok {
		c.names = append(c.names, name)
	}
	c.entries[name] = data
}

// Get returns the content of an entry.
func (c *Container) Get(name string) ([]byte, bool) {
	data, ok := c.entries[name]
	return data, ok
}

// Entry is like Get but returns ErrEntryNotFound for missing entries.
func (c *Container) Entry(name string) ([]byte, error) {
	data, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return data, nil
}

// Has reports whether the container holds name.
func (c *Container) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Names returns entry names in insertion order.
func (c *Container) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of entries.
func (c *Container) Len() int {
	return len(c.names)
}

// Bytes serializes the container.
func (c *Container) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	level := c.compressionLevel
	writer.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	modified := time.Now()
	for _, name := range c.names {
		w, err := writer.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("failed to create entry %s: %w", name, err)
		}
		if _, err := w.Write(c.entries[name]); err != nil {
			writer.Close()
			return nil, fmt.Errorf("failed to write entry %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}
