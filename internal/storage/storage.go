package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get for a key the instance never stored.
	ErrNotFound = errors.New("key not found")
	// ErrUnknownInstance is returned for an address no Deploy created.
	ErrUnknownInstance = errors.New("unknown contract instance")
	// ErrInstanceExists is returned when Deploy reuses an address.
	ErrInstanceExists = errors.New("contract instance already exists")
)

// BackendError is a failure of the storage backend itself, as opposed to a
// missing key or instance.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *BackendError) Unwrap() error { return e.Err }
func (e *BackendError) Cause() error  { return e.Err }

// Backend wraps err as a BackendError unless it is one of the sentinel
// errors above.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrUnknownInstance, ErrInstanceExists} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &BackendError{Op: op, Err: err}
}

// Instance describes one deployed contract.
type Instance struct {
	Address   common.Address `json:"address"`
	Deployer  common.Address `json:"deployer"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Batch is the write set of one invocation. Deletes apply after puts.
type Batch struct {
	Puts    map[string][]byte
	Deletes []string
}

func (b Batch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0
}

// Store persists per-instance key/value state.
type Store interface {
	Deploy(ctx context.Context, inst Instance) error
	Instance(ctx context.Context, addr common.Address) (Instance, error)
	Instances(ctx context.Context) ([]Instance, error)
	Get(ctx context.Context, addr common.Address, key string) ([]byte, error)
	// Apply writes the batch atomically.
	Apply(ctx context.Context, addr common.Address, batch Batch) error
	Close() error
}
