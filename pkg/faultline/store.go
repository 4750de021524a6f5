// store.go defines the persistence boundary for the event queue and
// session record. Implementations live under pkg/faultline/stores.

package faultline

import "errors"

// Store is a string key-value store. Implementations must be safe for
// concurrent use.
//
// Error kinds matter at this boundary: Set returns ErrQuotaExceeded when
// the backing medium is out of space, which the queue handles by
// evicting its oldest entries and retrying. Any other error degrades the
// caller to memory-only operation.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)

	// Set writes the value for key, returning ErrQuotaExceeded when
	// storage space is exhausted.
	Set(key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}

var (
	// ErrNotFound is returned by Store.Get for an absent key.
	ErrNotFound = errors.New("faultline: key not found")

	// ErrQuotaExceeded is returned by Store.Set when the backing
	// medium has no room for the value.
	ErrQuotaExceeded = errors.New("faultline: storage quota exceeded")
)
