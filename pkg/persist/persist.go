// Package persist provides query.Persister backends that mirror Loaded cache
// entries into durable or shared storage.
package persist

import (
	"encoding/base64"
	"io"

	"github.com/illmade-knight/go-querycache/pkg/query"
)

// Store is a query.Persister that owns a connection.
type Store interface {
	query.Persister
	io.Closer
}

// encodeKey turns a serialized cache key into a name that is safe as a
// document ID or object name.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(name string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
