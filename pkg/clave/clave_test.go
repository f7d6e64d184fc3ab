package clave

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedRandom(n int) RandomSource {
	return func() (int, error) { return n, nil }
}

func TestGenerate(t *testing.T) {
	date := time.Date(2018, time.July, 31, 10, 0, 0, 0, time.UTC)

	key, err := Generate(GenerateParams{
		Date:        date,
		TaxID:       "603960916",
		Consecutive: "00100001010000000001",
		Situation:   SituationNormal,
		Random:      fixedRandom(99999999),
	})
	require.NoError(t, err)
	assert.Equal(t, "50631071800060396091600100001010000000001199999999", key)
}

func TestGenerate_Properties(t *testing.T) {
	now := time.Now()
	for _, sit := range []Situation{SituationNormal, SituationContingency, SituationOffline} {
		for i := 0; i < 50; i++ {
			key, err := Generate(GenerateParams{
				Date:        now,
				TaxID:       "3101123456",
				Consecutive: "00100001010000000123",
				Situation:   sit,
			})
			require.NoError(t, err)
			require.Len(t, key, Length)
			require.True(t, IsDigits(key), "key must be all digits: %s", key)

			k, err := Parse(key)
			require.NoError(t, err)
			assert.Equal(t, now.Format("020106"), key[3:9])
			assert.Equal(t, sit, k.Situation())
			assert.GreaterOrEqual(t, k.Code(), "10000000")
		}
	}
}

func TestGenerate_RetriesOnShortCode(t *testing.T) {
	calls := 0
	random := func() (int, error) {
		calls++
		if calls == 1 {
			return 42, nil
		}
		return 12345678, nil
	}

	key, err := Generate(GenerateParams{
		Date:        time.Now(),
		TaxID:       "603960916",
		Consecutive: "00100001010000000001",
		Situation:   SituationOffline,
		Random:      random,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "12345678", key[42:])
}

func TestGenerate_InvalidConsecutive(t *testing.T) {
	tests := []string{
		"0010000101000000001",   // 19 digits
		"001000010100000000011", // 21 digits
		"0010000101000000000A",
		"",
	}
	for _, c := range tests {
		_, err := Generate(GenerateParams{
			Date:        time.Now(),
			TaxID:       "603960916",
			Consecutive: c,
			Situation:   SituationNormal,
		})
		assert.ErrorIs(t, err, ErrInvalidConsecutive, "consecutive %q", c)
	}
}

func TestGenerate_InvalidSituation(t *testing.T) {
	_, err := Generate(GenerateParams{
		Date:        time.Now(),
		TaxID:       "603960916",
		Consecutive: "00100001010000000001",
		Situation:   4,
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestGenerate_EmptyTaxID(t *testing.T) {
	key, err := Generate(GenerateParams{
		Date:        time.Now(),
		Consecutive: "00100001050000000001",
		Situation:   SituationNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, "000000000000", key[9:21])
}

func TestParse(t *testing.T) {
	k, err := Parse("50631071800060396091600100001010000000001199999999")
	require.NoError(t, err)

	assert.Equal(t, "506", k.Country())
	assert.Equal(t, "31", k.Day())
	assert.Equal(t, "07", k.Month())
	assert.Equal(t, "18", k.Year())
	assert.Equal(t, "000603960916", k.TaxID())
	assert.Equal(t, "00100001010000000001", k.Consecutive())
	assert.Equal(t, SituationNormal, k.Situation())
	assert.Equal(t, "99999999", k.Code())
	assert.Equal(t, "201807", k.ArchiveMonth())

	dt, err := k.DocumentType()
	require.NoError(t, err)
	assert.Equal(t, Invoice, dt)

	d, err := k.Date(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, time.July, 31, 0, 0, 0, 0, time.UTC), d)
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{
		"",
		"5063107180006039609160010000101000000000119999999",
		"50631071800060396091600100001010000000001X99999999",
		"50631071800060396091600100001010000000001999999999",
	} {
		_, err := Parse(s)
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Parse(%q): expected ErrInvalidKey, got %v", s, err)
		}
	}
}

func TestDocumentTypes(t *testing.T) {
	tests := []struct {
		code   string
		prefix string
		root   string
	}{
		{"01", "FE", "FacturaElectronica"},
		{"02", "NDE", "NotaDebitoElectronica"},
		{"03", "NCE", "NotaCreditoElectronica"},
		{"04", "TE", "TiqueteElectronico"},
		{"05", "MR", "MensajeReceptor"},
		{"06", "MR", "MensajeReceptor"},
		{"07", "MR", "MensajeReceptor"},
		{"08", "FEC", "FacturaElectronicaCompra"},
		{"09", "FEE", "FacturaElectronicaExportacion"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			dt, err := ParseDocumentType(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.code, dt.Code())
			assert.Equal(t, tt.prefix, dt.Prefix())
			assert.Equal(t, tt.root, dt.RootElement())
			assert.Contains(t, dt.Namespace(), SchemaBase)
		})
	}

	for _, bad := range []string{"00", "10", "1", "ab"} {
		_, err := ParseDocumentType(bad)
		assert.ErrorIs(t, err, ErrUnknownDocumentType, bad)
	}
}

func TestTypeFromConsecutive(t *testing.T) {
	dt, err := TypeFromConsecutive("00100001050000000001")
	require.NoError(t, err)
	assert.Equal(t, AcceptMessage, dt)
	assert.True(t, dt.IsReceiverMessage())
	assert.Equal(t, "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.3/mensajeReceptor", dt.Namespace())

	_, err = TypeFromConsecutive("0010000105")
	assert.ErrorIs(t, err, ErrInvalidConsecutive)
}

func TestReceiverIDType(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"603960916", IDPhysical},
		{"000603960916", IDPhysical},
		{"3101123456", IDJuridical},
		{"2100042005", IDJuridical},
		{"155812345678", IDDIMEX},
		{"15581234567", IDDIMEX},
		{"5123456789", IDNITE},
		{"12345", IDNITE},
	}
	for _, tt := range tests {
		if got := ReceiverIDType(tt.id); got != tt.want {
			t.Errorf("ReceiverIDType(%q) = %s, want %s", tt.id, got, tt.want)
		}
	}
}
