package keystore

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ParseMasterKey decodes a configured master key. Standard and URL-safe
// base64 are accepted; any other value of at least 32 bytes is used as is.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= 32 {
			return b, nil
		}
	}
	if len(s) >= 32 {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("%w: got %d", ErrMasterKey, len(s))
}

// NewSealerFromConfig parses the master key and creates a sealer.
func NewSealerFromConfig(masterKey string) (*Sealer, error) {
	key, err := ParseMasterKey(masterKey)
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}
