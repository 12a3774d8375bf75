package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phaledang/learn-langraph/log"
)

// RedisStore persists state documents in Redis. It is not selected by the
// factory; construct it directly when checkpoints are allowed to live in a
// cache tier, optionally with a TTL.
//
// Each checkpoint is a JSON value under
// "<prefix>state:<thread_id>:<checkpoint_id>", and every thread keeps a
// sorted set "<prefix>thread:<thread_id>" scored by created_at so recency
// queries are native. Members with equal scores order lexicographically,
// which keeps tie-breaking deterministic.
type RedisStore struct {
	lifecycle
	opts   RedisOptions
	client *redis.Client
	logger log.Logger
}

var _ StatePersistence = (*RedisStore)(nil)

// RedisOptions configures the Redis driver.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, default "langraph:".
	Prefix string
	// TTL expires checkpoints and thread indexes, default 0 (keep forever).
	TTL time.Duration
	// Logger defaults to the package-level logger.
	Logger log.Logger
}

// NewRedisStore creates a Redis driver. The connection is made by Initialize.
func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "langraph:"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &RedisStore{
		opts:   opts,
		logger: logger,
	}
}

func (s *RedisStore) stateKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%sstate:%s:%s", s.opts.Prefix, threadID, checkpointID)
}

func (s *RedisStore) threadKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s", s.opts.Prefix, threadID)
}

// Initialize connects and verifies the server is reachable. Redis needs no
// schema.
func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.beginInitialize(); err != nil {
		return err
	}

	if s.client == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     s.opts.Addr,
			Password: s.opts.Password,
			DB:       s.opts.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		s.client = client
	}

	s.markInitialized()
	return nil
}

// SaveState writes the document and updates the thread index in one
// pipeline. An existing document keeps its created_at and its index score.
func (s *RedisStore) SaveState(ctx context.Context, threadID, checkpointID string, state, metadata map[string]any) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	doc := StateDocument{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		State:        state,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	key := s.stateKey(threadID, checkpointID)
	prev, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		var existing StateDocument
		if uerr := json.Unmarshal(prev, &existing); uerr == nil && !existing.CreatedAt.IsZero() {
			doc.CreatedAt = existing.CreatedAt
		}
	} else if err != redis.Nil {
		return swallowWriteError(s.logger, "redis save_state", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return swallowWriteError(s.logger, "redis save_state", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, s.opts.TTL)
	pipe.ZAdd(ctx, s.threadKey(threadID), redis.Z{
		Score:  float64(doc.CreatedAt.UnixNano()),
		Member: checkpointID,
	})
	if s.opts.TTL > 0 {
		pipe.Expire(ctx, s.threadKey(threadID), s.opts.TTL)
	}
	_, err = pipe.Exec(ctx)
	return swallowWriteError(s.logger, "redis save_state", err)
}

// LoadState fetches one document, or resolves the newest checkpoint id from
// the thread index when checkpointID is empty.
func (s *RedisStore) LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	if checkpointID == "" {
		ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read thread index: %v", ErrConnection, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[0]
	}

	data, err := s.client.Get(ctx, s.stateKey(threadID, checkpointID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load state: %v", ErrConnection, err)
	}

	var doc StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal document: %v", ErrSerialization, err)
	}
	return &doc, nil
}

// ListCheckpoints walks the thread index newest first and batch-fetches the
// documents. Entries whose value has expired are skipped.
func (s *RedisStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	limit = listLimit(limit)
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read thread index: %v", ErrConnection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stateKey(threadID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch states: %v", ErrConnection, err)
	}

	var docs []*StateDocument
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Value expired after the index read.
			continue
		}
		var doc StateDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal document: %v", ErrSerialization, err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// DeleteState removes one document and its index entry, or the whole thread.
func (s *RedisStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	if checkpointID != "" {
		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.stateKey(threadID, checkpointID))
		pipe.ZRem(ctx, s.threadKey(threadID), checkpointID)
		_, err := pipe.Exec(ctx)
		return swallowWriteError(s.logger, "redis delete_state", err)
	}

	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return swallowWriteError(s.logger, "redis delete_state", err)
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.stateKey(threadID, id))
	}
	pipe.Del(ctx, s.threadKey(threadID))
	_, err = pipe.Exec(ctx)
	return swallowWriteError(s.logger, "redis delete_state", err)
}

// Close closes the client. In-flight commands fail once the connection pool
// is gone.
func (s *RedisStore) Close() error {
	if s.markClosed() && s.client != nil {
		return s.client.Close()
	}
	return nil
}
