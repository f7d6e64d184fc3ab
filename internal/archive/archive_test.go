package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

const key = "50631071800060396091600100001010000000001199999999"

func TestPath(t *testing.T) {
	p, err := Path(7, reliability.Outbound, key)
	require.NoError(t, err)
	assert.Equal(t, "7/201807/E"+key+".zip", p)

	_, err = Path(7, reliability.Outbound, "123")
	assert.ErrorIs(t, err, clave.ErrInvalidKey)
}

func TestEntryNames(t *testing.T) {
	assert.Equal(t, "FE"+key+".xml", DocumentEntry(clave.Invoice, key))
	assert.Equal(t, "MR"+key+".xml", DocumentEntry(clave.RejectMessage, key))
	assert.Equal(t, "MH"+key+".xml", ResponseEntry(reliability.Outbound, key))
	assert.Equal(t, "MHMR"+key+".xml", ResponseEntry(reliability.Inbound, key))
}

func TestArchive_PutGet(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemory())

	require.NoError(t, a.Put(ctx, 1, reliability.Inbound, key, "FE"+key+".xml", []byte("<a/>"), false))
	require.NoError(t, a.Put(ctx, 1, reliability.Inbound, key, "MR"+key+".xml", []byte("<b/>"), false))

	got, err := a.Get(ctx, 1, reliability.Inbound, key, "FE"+key+".xml")
	require.NoError(t, err)
	assert.Equal(t, "<a/>", string(got))

	got, err = a.Get(ctx, 1, reliability.Inbound, key, "MR"+key+".xml")
	require.NoError(t, err)
	assert.Equal(t, "<b/>", string(got))

	// replace starts a new container
	require.NoError(t, a.Put(ctx, 1, reliability.Inbound, key, "MR"+key+".xml", []byte("<c/>"), true))
	_, err = a.Get(ctx, 1, reliability.Inbound, key, "FE"+key+".xml")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchive_GetMissing(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemory())

	_, err := a.Get(ctx, 1, reliability.Outbound, key, "FE"+key+".xml")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	ok, err := a.Has(ctx, 1, reliability.Outbound, key, "FE"+key+".xml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(root)
	require.NoError(t, err)

	ok, err := l.Exists(ctx, "1/201807/E1.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Read(ctx, "1/201807/E1.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.Write(ctx, "1/201807/E1.zip", []byte("zip")))
	data, err := os.ReadFile(filepath.Join(root, "1", "201807", "E1.zip"))
	require.NoError(t, err)
	assert.Equal(t, "zip", string(data))

	ok, err = l.Exists(ctx, "1/201807/E1.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.Read(ctx, "../outside")
	assert.Error(t, err)
}

func TestLocal_WithArchive(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	a := New(l)

	require.NoError(t, a.Put(ctx, 3, reliability.Outbound, key, DocumentEntry(clave.Invoice, key), []byte("<FacturaElectronica/>"), true))
	require.NoError(t, a.Put(ctx, 3, reliability.Outbound, key, ResponseEntry(reliability.Outbound, key), []byte("<MensajeHacienda/>"), false))

	ok, err := a.Has(ctx, 3, reliability.Outbound, key, ResponseEntry(reliability.Outbound, key))
	require.NoError(t, err)
	assert.True(t, ok)
}
