package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/phaledang/learn-langraph/log"
)

// DefaultListLimit is applied when ListCheckpoints receives a limit <= 0.
const DefaultListLimit = 10

// StatePersistence is the capability contract shared by every backend driver.
//
// Instances move through three states: constructed, initialized, closed.
// Initialize must be called before any other operation and is idempotent;
// operations invoked outside the initialized state fail with ErrInvalidState.
type StatePersistence interface {
	// Initialize establishes the backend connection and ensures the storage
	// schema exists (create-if-not-exists, safe to call repeatedly). An
	// unreachable or misconfigured backend yields an error wrapping
	// ErrConnection.
	Initialize(ctx context.Context) error

	// SaveState upserts the checkpoint keyed by (threadID, checkpointID).
	// On conflict it replaces state, metadata and updated_at and leaves
	// created_at untouched. A nil metadata map is stored as absent.
	//
	// Backend failures are logged and reported as (false, nil) so a failed
	// checkpoint write never aborts the caller's workflow. The error return
	// is reserved for lifecycle misuse and context cancellation.
	SaveState(ctx context.Context, threadID, checkpointID string, state, metadata map[string]any) (bool, error)

	// LoadState returns the checkpoint identified by checkpointID, or the
	// thread's most recent checkpoint when checkpointID is empty. A missing
	// checkpoint is (nil, nil), not an error.
	LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error)

	// ListCheckpoints returns up to limit checkpoints of the thread, newest
	// first by created_at. limit <= 0 means DefaultListLimit. A thread with
	// no checkpoints yields an empty slice.
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error)

	// DeleteState removes the named checkpoint, or every checkpoint of the
	// thread when checkpointID is empty. Deleting what does not exist is a
	// successful no-op. The failure contract matches SaveState.
	DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error)

	// Close releases the connection or pool. It is safe to call before
	// Initialize and more than once. Close does not cancel in-flight
	// operations; pooled drivers wait for busy connections to be returned,
	// the rest release immediately. After Close every operation fails with
	// ErrInvalidState.
	Close() error
}

const (
	stateNew = iota
	stateInitialized
	stateClosed
)

// lifecycle guards the per-driver state machine. Every driver embeds one;
// no other state is shared between drivers.
type lifecycle struct {
	mu    sync.Mutex
	state int
}

// requireInitialized fails unless the driver is between Initialize and Close.
func (l *lifecycle) requireInitialized() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateInitialized:
		return nil
	case stateClosed:
		return fmt.Errorf("%w: already closed", ErrInvalidState)
	default:
		return fmt.Errorf("%w: Initialize has not been called", ErrInvalidState)
	}
}

// beginInitialize reports whether initialization may proceed. Re-initializing
// an initialized driver is allowed (the schema DDL is idempotent); a closed
// driver stays closed.
func (l *lifecycle) beginInitialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateClosed {
		return fmt.Errorf("%w: already closed", ErrInvalidState)
	}
	return nil
}

func (l *lifecycle) markInitialized() {
	l.mu.Lock()
	l.state = stateInitialized
	l.mu.Unlock()
}

// markClosed transitions to closed and reports whether resources were
// actually held, so Close stays a no-op on fresh or already-closed drivers.
func (l *lifecycle) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	wasOpen := l.state == stateInitialized
	l.state = stateClosed
	return wasOpen
}

// swallowWriteError implements the SaveState/DeleteState failure contract:
// cancellation surfaces, everything else is logged and becomes false.
func swallowWriteError(logger log.Logger, op string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, fmt.Errorf("%s aborted: %w", op, err)
	}
	logger.Error("%s failed: %v", op, err)
	return false, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
