package store

import "errors"

// ErrNotFound is returned when a requested key does not exist in the store.
var ErrNotFound = errors.New("not found")

// Namespaces used by the gateway. Credentials live apart from the rest so
// they can be cleared without touching user settings.
const (
	NamespaceWiFi     = "wifi"
	NamespaceSettings = "settings"
)

// KV is a namespaced string key/value store.
type KV interface {
	// Get returns ErrNotFound if the key is missing.
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
	// SetMany writes all values in a single transaction.
	SetMany(namespace string, values map[string]string) error
	// Clear removes every key in the namespace.
	Clear(namespace string) error

	Close() error
}
