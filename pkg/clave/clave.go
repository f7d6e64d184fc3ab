package clave

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Length is the number of digits in a document key.
const Length = 50

// ConsecutiveLength is the number of digits in a consecutive number.
const ConsecutiveLength = 20

// CountryCode is the prefix of every key.
const CountryCode = "506"

const (
	codeMin = 10000000
	codeMax = 99999999

	// maxAttempts bounds the regeneration loop when a random code does not
	// produce a key of the right length.
	maxAttempts = 5
)

// Errors
var (
	ErrInvalidKey         = errors.New("invalid document key")
	ErrInvalidConsecutive = errors.New("consecutive number must be exactly 20 digits")
)

// Situation is the issuing condition encoded in the key.
type Situation int

const (
	SituationNormal      Situation = 1
	SituationContingency Situation = 2
	SituationOffline     Situation = 3
)

// Valid reports whether s is one of the three defined situations.
func (s Situation) Valid() bool {
	return s >= SituationNormal && s <= SituationOffline
}

// ContingencyReferenceType is the referenced document type that marks a
// document as issued in contingency.
const ContingencyReferenceType = "08"

var (
	locationOnce sync.Once
	location     *time.Location
)

// Location returns the America/Costa_Rica zone, or a fixed UTC-6 zone when
// the tz database is unavailable.
func Location() *time.Location {
	locationOnce.Do(func() {
		loc, err := time.LoadLocation("America/Costa_Rica")
		if err != nil {
			loc = time.FixedZone("CST", -6*60*60)
		}
		location = loc
	})
	return location
}

// RandomSource returns an anti-collision code in [10000000, 99999999].
type RandomSource func() (int, error)

// CryptoRandom draws the anti-collision code from crypto/rand.
func CryptoRandom() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()) + codeMin, nil
}

// GenerateParams holds the inputs of a new key.
type GenerateParams struct {
	Date        time.Time
	TaxID       string
	Consecutive string
	Situation   Situation
	Random      RandomSource // defaults to CryptoRandom
}

// Generate builds a 50-digit key. The date is rendered in its own location,
// so callers pass a time already in Costa Rica local time.
func Generate(p GenerateParams) (string, error) {
	if !IsDigits(p.Consecutive) || len(p.Consecutive) != ConsecutiveLength {
		return "", ErrInvalidConsecutive
	}
	if !p.Situation.Valid() {
		return "", fmt.Errorf("%w: situation %d", ErrInvalidKey, p.Situation)
	}
	taxID := strings.TrimLeft(p.TaxID, "0")
	if len(taxID) > 12 || (p.TaxID != "" && !IsDigits(p.TaxID)) {
		return "", fmt.Errorf("%w: tax id %q", ErrInvalidKey, p.TaxID)
	}
	taxID = strings.Repeat("0", 12-len(taxID)) + taxID
	random := p.Random
	if random == nil {
		random = CryptoRandom
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := random()
		if err != nil {
			return "", fmt.Errorf("generating security code: %w", err)
		}
		key := fmt.Sprintf("%s%s%s%s%d%d",
			CountryCode,
			p.Date.Format("020106"),
			taxID,
			p.Consecutive,
			p.Situation,
			code,
		)
		if len(key) == Length {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: could not produce a %d digit key", ErrInvalidKey, Length)
}

// Key is a parsed document key.
type Key struct {
	raw string
}

// Parse validates a key and returns its structured form.
func Parse(s string) (Key, error) {
	if len(s) != Length || !IsDigits(s) {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := Key{raw: s}
	if !k.Situation().Valid() {
		return Key{}, fmt.Errorf("%w: situation %q", ErrInvalidKey, s[41:42])
	}
	return k, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string { return k.raw }

// Country returns the 3-digit country code.
func (k Key) Country() string { return k.raw[0:3] }

// Day, Month and Year return the two-digit date components.
func (k Key) Day() string   { return k.raw[3:5] }
func (k Key) Month() string { return k.raw[5:7] }
func (k Key) Year() string  { return k.raw[7:9] }

// Date returns the issue date at midnight in loc.
func (k Key) Date(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("020106", k.raw[3:9], loc)
}

// TaxID returns the 12-digit zero-padded taxpayer identifier.
func (k Key) TaxID() string { return k.raw[9:21] }

// Consecutive returns the embedded 20-digit consecutive number.
func (k Key) Consecutive() string { return k.raw[21:41] }

// Situation returns the situation code.
func (k Key) Situation() Situation { return Situation(k.raw[41] - '0') }

// Code returns the 8-digit anti-collision code.
func (k Key) Code() string { return k.raw[42:50] }

// DocumentType returns the type encoded in the embedded consecutive number.
func (k Key) DocumentType() (DocumentType, error) {
	return TypeFromConsecutive(k.Consecutive())
}

// ArchiveMonth returns the four-digit century-qualified year and month
// ("2018" + "07") used to partition archived documents.
func (k Key) ArchiveMonth() string {
	return "20" + k.Year() + k.Month()
}

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Identification types used by the authority.
const (
	IDPhysical  = "01"
	IDJuridical = "02"
	IDDIMEX     = "03"
	IDNITE      = "04"
)

var juridicalPattern = regexp.MustCompile(`^[234]\d{9}$`)

// ReceiverIDType classifies a receiver identification number: 9 digits is a
// physical person, 10 digits starting with 2, 3 or 4 is a juridical person,
// 11 or 12 digits is a DIMEX and anything else is treated as NITE.
func ReceiverIDType(id string) string {
	id = strings.TrimLeft(strings.TrimSpace(id), "0")
	switch {
	case len(id) == 9:
		return IDPhysical
	case juridicalPattern.MatchString(id):
		return IDJuridical
	case len(id) > 10:
		return IDDIMEX
	default:
		return IDNITE
	}
}
