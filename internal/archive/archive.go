// Package archive keeps signed documents and authority responses.
//
// Every document has one zip container per direction, stored at
// {taxpayerID}/{20yyMM}/{direction}{key}.zip, holding one entry per
// artifact: the signed document ({Prefix}{key}.xml), the authority's
// response to it (MH{key}.xml for issued documents, MHMR{key}.xml for
// confirmation messages) and, for received documents, the supplier's
// original document.
package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
	"github.com/josiasmc/facturador-electronico-cr/pkg/compression"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

// ErrNotFound is returned when a container or an entry does not exist.
var ErrNotFound = errors.New("archive: not found")

// Store is a blob store addressed by slash separated paths.
type Store interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Path returns the container path of a document.
func Path(taxpayerID int64, dir reliability.Direction, key string) (string, error) {
	k, err := clave.Parse(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d/%s/%s%s.zip", taxpayerID, k.ArchiveMonth(), dir, key), nil
}

// DocumentEntry returns the entry name of a document of type dt.
func DocumentEntry(dt clave.DocumentType, key string) string {
	return dt.Prefix() + key + ".xml"
}

// ResponseEntry returns the entry name of the authority's response to the
// document sent in direction dir.
func ResponseEntry(dir reliability.Direction, key string) string {
	if dir == reliability.Outbound {
		return "MH" + key + ".xml"
	}
	return "MHMR" + key + ".xml"
}

// SupplierResponseEntry is the authority's response to a received
// document, kept next to it in the inbound container.
func SupplierResponseEntry(key string) string {
	return "MH" + key + ".xml"
}

// Archive stores entries in per-document containers.
type Archive struct {
	store Store
}

// New wraps a blob store.
func New(store Store) *Archive {
	return &Archive{store: store}
}

// Put adds an entry to the container of a document. With replace the
// container is started anew; otherwise the entry is added to the existing
// container, replacing an entry of the same name.
func (a *Archive) Put(ctx context.Context, taxpayerID int64, dir reliability.Direction, key, name string, data []byte, replace bool) error {
	path, err := Path(taxpayerID, dir, key)
	if err != nil {
		return err
	}

	c := compression.NewContainer()
	if !replace {
		existing, err := a.store.Read(ctx, path)
		switch {
		case err == nil:
			if c, err = compression.OpenContainer(existing); err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	c.Put(name, data)
	out, err := c.Bytes()
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := a.store.Write(ctx, path, out); err != nil {
		return fmt.Errorf("storing %s: %w", path, err)
	}
	return nil
}

// Get reads an entry. It returns ErrNotFound when the container or the
// entry is missing.
func (a *Archive) Get(ctx context.Context, taxpayerID int64, dir reliability.Direction, key, name string) ([]byte, error) {
	path, err := Path(taxpayerID, dir, key)
	if err != nil {
		return nil, err
	}
	data, err := a.store.Read(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	c, err := compression.OpenContainer(data)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	entry, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, name, path)
	}
	return entry, nil
}

// Has reports whether the container of a document holds an entry.
func (a *Archive) Has(ctx context.Context, taxpayerID int64, dir reliability.Direction, key, name string) (bool, error) {
	_, err := a.Get(ctx, taxpayerID, dir, key, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
