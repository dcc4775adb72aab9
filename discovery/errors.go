package discovery

import "errors"

var (
	// ErrServiceNotFound is returned when a service id is not registered.
	ErrServiceNotFound = errors.New("service not found")

	// ErrNilService is returned when a nil service is registered.
	ErrNilService = errors.New("service is nil")

	// ErrEmptyServiceID is returned when a service reports an empty id.
	ErrEmptyServiceID = errors.New("service id is empty")

	// ErrNoEndpoints is returned by watcher operations that need at least
	// one configured discovery endpoint.
	ErrNoEndpoints = errors.New("no discovery endpoints configured")

	// ErrSnapshotNotFound is returned when a snapshot store has no entry
	// under the requested key.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStoreClosed is returned by operations on a closed snapshot store.
	ErrStoreClosed = errors.New("snapshot store is closed")
)
