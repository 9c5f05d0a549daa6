package offline

import (
	"errors"
	"fmt"
)

var (
	ErrKeyRequired              = errors.New("key is required")
	ErrInvalidAction            = errors.New("invalid queued action")
	ErrActionNotFound           = errors.New("queued action not found")
	ErrNoConnectivityAndNoCache = errors.New("no connectivity and no cached value")
	ErrNotConnected             = errors.New("not connected")
	ErrNoDispatcher             = errors.New("no dispatcher registered for action kind")
)

// StorageError is a KVStore read or write failure. The offline layer always
// recovers from it locally: the cache treats it as a miss, the queue reports it
// to the caller of the failed operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Kind() string  { return "storage" }

// RemoteCallError is a failed replay of a queued action.
type RemoteCallError struct {
	ActionID   string
	ActionKind string
	Err        error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("replay %s (%s): %v", e.ActionID, e.ActionKind, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }
func (e *RemoteCallError) Kind() string  { return "remote_call" }
