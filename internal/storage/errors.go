package storage

import "fmt"

// StorageError reports a failed read or write of a collection. Quota
// exhaustion, an unavailable database and unencodable records all surface
// as a StorageError.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
