package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phaledang/learn-langraph/log"
)

// MemoryStore keeps state documents in process memory. It backs tests and
// local development; nothing survives a restart. Not selected by the factory.
type MemoryStore struct {
	lifecycle
	mu      sync.RWMutex
	threads map[string]map[string]*memoryEntry
	seq     uint64
	logger  log.Logger
}

var _ StatePersistence = (*MemoryStore)(nil)

type memoryEntry struct {
	doc *StateDocument
	// seq orders entries written within the same clock tick.
	seq uint64
}

// NewMemoryStore creates an in-memory driver.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]map[string]*memoryEntry),
		logger:  log.GetDefaultLogger(),
	}
}

// Initialize marks the store ready. There is nothing to connect to.
func (s *MemoryStore) Initialize(ctx context.Context) error {
	if err := s.beginInitialize(); err != nil {
		return err
	}
	s.markInitialized()
	return nil
}

// SaveState stores a deep copy of the payload so later caller mutations
// cannot leak in. The round trip through encoding/json also enforces the
// same serializability contract as the database drivers.
func (s *MemoryStore) SaveState(ctx context.Context, threadID, checkpointID string, state, metadata map[string]any) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("memory save_state aborted: %w", err)
	}

	state, err := cloneJSONMap(state)
	if err != nil {
		return swallowWriteError(s.logger, "memory save_state", err)
	}
	metadata, err = cloneJSONMap(metadata)
	if err != nil {
		return swallowWriteError(s.logger, "memory save_state", err)
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.threads[threadID]
	if thread == nil {
		thread = make(map[string]*memoryEntry)
		s.threads[threadID] = thread
	}

	if existing, ok := thread[checkpointID]; ok {
		existing.doc.State = state
		existing.doc.Metadata = metadata
		existing.doc.UpdatedAt = now
		return true, nil
	}

	s.seq++
	thread[checkpointID] = &memoryEntry{
		doc: &StateDocument{
			ThreadID:     threadID,
			CheckpointID: checkpointID,
			State:        state,
			Metadata:     metadata,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		seq: s.seq,
	}
	return true, nil
}

// LoadState returns a copy of the checkpoint, or of the thread's newest one
// when checkpointID is empty.
func (s *MemoryStore) LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory load_state aborted: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	thread := s.threads[threadID]
	if len(thread) == 0 {
		return nil, nil
	}

	if checkpointID != "" {
		entry, ok := thread[checkpointID]
		if !ok {
			return nil, nil
		}
		return copyDocument(entry.doc)
	}

	var latest *memoryEntry
	for _, entry := range thread {
		if latest == nil || entryLess(latest, entry) {
			latest = entry
		}
	}
	return copyDocument(latest.doc)
}

// ListCheckpoints returns copies, newest first, insertion order breaking
// created_at ties.
func (s *MemoryStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory list_checkpoints aborted: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	thread := s.threads[threadID]
	entries := make([]*memoryEntry, 0, len(thread))
	for _, entry := range thread {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entryLess(entries[j], entries[i]) // newest first
	})

	limit = listLimit(limit)
	if len(entries) > limit {
		entries = entries[:limit]
	}

	docs := make([]*StateDocument, 0, len(entries))
	for _, entry := range entries {
		doc, err := copyDocument(entry.doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DeleteState removes one checkpoint, or the whole thread when checkpointID
// is empty. Missing keys are a successful no-op.
func (s *MemoryStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("memory delete_state aborted: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if checkpointID != "" {
		if thread := s.threads[threadID]; thread != nil {
			delete(thread, checkpointID)
		}
		return true, nil
	}
	delete(s.threads, threadID)
	return true, nil
}

// Close drops all stored documents.
func (s *MemoryStore) Close() error {
	if s.markClosed() {
		s.mu.Lock()
		s.threads = nil
		s.mu.Unlock()
	}
	return nil
}

// entryLess orders a before b: older created_at first, insertion sequence
// breaking ties.
func entryLess(a, b *memoryEntry) bool {
	if !a.doc.CreatedAt.Equal(b.doc.CreatedAt) {
		return a.doc.CreatedAt.Before(b.doc.CreatedAt)
	}
	return a.seq < b.seq
}

func cloneJSONMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return out, nil
}

func copyDocument(doc *StateDocument) (*StateDocument, error) {
	state, err := cloneJSONMap(doc.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	metadata, err := cloneJSONMap(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	out := *doc
	out.State = state
	out.Metadata = metadata
	return &out, nil
}
