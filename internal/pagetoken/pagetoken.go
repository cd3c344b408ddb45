// Package pagetoken encodes last-evaluated positions as opaque page tokens.
//
// Tokens carry an exact key set. Decoding is strict: a token with a missing,
// unknown or empty key, or one that is not valid base64url JSON, is rejected
// with errs.ErrNextPageTokenInvalid. There is no forward compatibility.
package pagetoken

import (
	"encoding/base64"

	json "github.com/goccy/go-json"

	"github.com/and161185/cipherlog/internal/errs"
)

// Key sets used by list endpoints.
var (
	DatabasesKeys    = []string{"database-id", "database-name-hash", "user-id"}
	DatabaseUserKeys = []string{"database-id", "user-id"}
)

// Encode returns an opaque token for the given position.
func Encode(pos map[string]string) string {
	b, _ := json.Marshal(pos) // map[string]string always marshals
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses token and checks that it carries exactly keys.
// An empty token means "first page" and decodes to nil.
func Decode(token string, keys []string) (map[string]string, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errs.ErrNextPageTokenInvalid
	}
	var pos map[string]string
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, errs.ErrNextPageTokenInvalid
	}
	if len(pos) != len(keys) {
		return nil, errs.ErrNextPageTokenInvalid
	}
	for _, k := range keys {
		if v, ok := pos[k]; !ok || v == "" {
			return nil, errs.ErrNextPageTokenInvalid
		}
	}
	return pos, nil
}
