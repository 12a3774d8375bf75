package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/phaledang/learn-langraph/log"
)

// cosmosDatabaseName is the database holding the state container.
const cosmosDatabaseName = "langgraph_db"

// Timestamps are stored as fixed-width strings so the string ordering Cosmos
// applies in ORDER BY matches chronological ordering, sub-second digits
// included.
const cosmosTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CosmosContainerClient is the slice of azcosmos.ContainerClient the driver
// uses. Tests substitute an in-memory fake through
// NewCosmosStoreWithContainer.
type CosmosContainerClient interface {
	UpsertItem(ctx context.Context, partitionKey azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	ReadItem(ctx context.Context, partitionKey azcosmos.PartitionKey, itemID string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	DeleteItem(ctx context.Context, partitionKey azcosmos.PartitionKey, itemID string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	NewQueryItemsPager(query string, partitionKey azcosmos.PartitionKey, o *azcosmos.QueryOptions) *runtime.Pager[azcosmos.QueryItemsResponse]
}

// CosmosStore persists state documents in Azure Cosmos DB. Each checkpoint
// is one document; thread_id is the partition key so a thread's checkpoints
// are co-located, and the document id "thread_id_checkpoint_id" makes the
// natural key unique at the storage layer itself.
type CosmosStore struct {
	lifecycle
	connString string
	endpoint   string
	tableName  string
	container  CosmosContainerClient
	logger     log.Logger
}

var _ StatePersistence = (*CosmosStore)(nil)

// cosmosStateItem is the stored document shape.
type cosmosStateItem struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"thread_id"`
	CheckpointID string         `json:"checkpoint_id"`
	State        map[string]any `json:"state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// NewCosmosStore creates a Cosmos DB driver. The connection string must
// carry AccountEndpoint and AccountKey segments; no connection is made until
// Initialize.
func NewCosmosStore(cfg Config) (*CosmosStore, error) {
	cfg = cfg.withDefaults()

	endpoint, key := parseCosmosConnString(cfg.ConnectionString)
	if endpoint == "" || key == "" {
		return nil, fmt.Errorf("%w: Cosmos DB connection string must contain AccountEndpoint and AccountKey", ErrConfig)
	}

	return &CosmosStore{
		connString: cfg.ConnectionString,
		endpoint:   endpoint,
		tableName:  cfg.TableName,
		logger:     cfg.Logger,
	}, nil
}

// NewCosmosStoreWithContainer wraps an existing container client. The
// returned store is in the initialized state. Useful for testing with fakes.
func NewCosmosStoreWithContainer(container CosmosContainerClient, tableName string) *CosmosStore {
	if tableName == "" {
		tableName = DefaultTableName
	}
	s := &CosmosStore{
		tableName: tableName,
		container: container,
		logger:    log.GetDefaultLogger(),
	}
	s.markInitialized()
	return s
}

func parseCosmosConnString(connString string) (endpoint, key string) {
	for _, part := range strings.Split(connString, ";") {
		lower := strings.ToLower(part)
		switch {
		case strings.HasPrefix(lower, "accountendpoint="):
			endpoint = part[len("AccountEndpoint="):]
		case strings.HasPrefix(lower, "accountkey="):
			key = part[len("AccountKey="):]
		}
	}
	return endpoint, key
}

// Initialize creates the client, the database and the container if they do
// not exist. The container is partitioned on /thread_id and carries a
// composite index on (created_at DESC, id DESC) for recency queries.
func (s *CosmosStore) Initialize(ctx context.Context) error {
	if err := s.beginInitialize(); err != nil {
		return err
	}

	if s.container == nil {
		client, err := azcosmos.NewClientFromConnectionString(s.connString, nil)
		if err != nil {
			return fmt.Errorf("%w: unable to create Cosmos client: %v", ErrConnection, err)
		}

		if _, err := client.CreateDatabase(ctx, azcosmos.DatabaseProperties{ID: cosmosDatabaseName}, nil); err != nil && !isCosmosStatus(err, http.StatusConflict) {
			return fmt.Errorf("%w: failed to create database: %v", ErrConnection, err)
		}
		database, err := client.NewDatabase(cosmosDatabaseName)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}

		throughput := azcosmos.NewManualThroughputProperties(400)
		properties := azcosmos.ContainerProperties{
			ID: s.tableName,
			PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{
				Paths: []string{"/thread_id"},
			},
			IndexingPolicy: &azcosmos.IndexingPolicy{
				Automatic:     true,
				IndexingMode:  azcosmos.IndexingModeConsistent,
				IncludedPaths: []azcosmos.IncludedPath{{Path: "/*"}},
				CompositeIndexes: [][]azcosmos.CompositeIndex{{
					{Path: "/created_at", Order: azcosmos.CompositeIndexDescending},
					{Path: "/id", Order: azcosmos.CompositeIndexDescending},
				}},
			},
		}
		opts := &azcosmos.CreateContainerOptions{ThroughputProperties: &throughput}
		if _, err := database.CreateContainer(ctx, properties, opts); err != nil && !isCosmosStatus(err, http.StatusConflict) {
			return fmt.Errorf("%w: failed to create container: %v", ErrConnection, err)
		}

		container, err := database.NewContainer(s.tableName)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		s.container = container
	}

	s.markInitialized()
	return nil
}

// SaveState upserts one document. The existing document, if any, is read
// first so created_at survives the overwrite.
func (s *CosmosStore) SaveState(ctx context.Context, threadID, checkpointID string, state, metadata map[string]any) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	pk := azcosmos.NewPartitionKeyString(threadID)
	now := time.Now().UTC().Format(cosmosTimeLayout)

	item := cosmosStateItem{
		ID:           cosmosItemID(threadID, checkpointID),
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		State:        state,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	existing, err := s.container.ReadItem(ctx, pk, item.ID, nil)
	if err == nil {
		var prev cosmosStateItem
		if uerr := json.Unmarshal(existing.Value, &prev); uerr == nil && prev.CreatedAt != "" {
			item.CreatedAt = prev.CreatedAt
		}
	} else if !isCosmosStatus(err, http.StatusNotFound) {
		return swallowWriteError(s.logger, "cosmos save_state", err)
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return swallowWriteError(s.logger, "cosmos save_state", err)
	}

	_, err = s.container.UpsertItem(ctx, pk, payload, nil)
	return swallowWriteError(s.logger, "cosmos save_state", err)
}

// LoadState reads one document by id, or queries the partition for the
// newest one when checkpointID is empty.
func (s *CosmosStore) LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	pk := azcosmos.NewPartitionKeyString(threadID)

	if checkpointID != "" {
		resp, err := s.container.ReadItem(ctx, pk, cosmosItemID(threadID, checkpointID), nil)
		if isCosmosStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read item: %v", ErrConnection, err)
		}
		return decodeCosmosItem(resp.Value)
	}

	docs, err := s.queryDocuments(ctx, pk, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// ListCheckpoints queries the thread's partition newest first.
func (s *CosmosStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	return s.queryDocuments(ctx, azcosmos.NewPartitionKeyString(threadID), listLimit(limit))
}

func (s *CosmosStore) queryDocuments(ctx context.Context, pk azcosmos.PartitionKey, limit int) ([]*StateDocument, error) {
	const query = `SELECT * FROM c ORDER BY c.created_at DESC, c.id DESC`

	pager := s.container.NewQueryItemsPager(query, pk, &azcosmos.QueryOptions{
		PageSizeHint: int32(limit),
	})

	var docs []*StateDocument
	for pager.More() && len(docs) < limit {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to query items: %v", ErrConnection, err)
		}
		for _, raw := range page.Items {
			doc, err := decodeCosmosItem(raw)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
			if len(docs) == limit {
				break
			}
		}
	}
	return docs, nil
}

// DeleteState deletes one document, or queries the partition for every id
// and deletes them all when checkpointID is empty. Missing documents count
// as success.
func (s *CosmosStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	pk := azcosmos.NewPartitionKeyString(threadID)

	if checkpointID != "" {
		_, err := s.container.DeleteItem(ctx, pk, cosmosItemID(threadID, checkpointID), nil)
		if isCosmosStatus(err, http.StatusNotFound) {
			err = nil
		}
		return swallowWriteError(s.logger, "cosmos delete_state", err)
	}

	pager := s.container.NewQueryItemsPager(`SELECT c.id FROM c`, pk, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return swallowWriteError(s.logger, "cosmos delete_state", err)
		}
		for _, raw := range page.Items {
			var ref struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &ref); err != nil {
				return swallowWriteError(s.logger, "cosmos delete_state", err)
			}
			if _, err := s.container.DeleteItem(ctx, pk, ref.ID, nil); err != nil && !isCosmosStatus(err, http.StatusNotFound) {
				return swallowWriteError(s.logger, "cosmos delete_state", err)
			}
		}
	}
	return true, nil
}

// Close releases the client references. The Cosmos SDK holds no pool of its
// own, so there is nothing to drain.
func (s *CosmosStore) Close() error {
	if s.markClosed() {
		s.container = nil
	}
	return nil
}

func cosmosItemID(threadID, checkpointID string) string {
	return threadID + "_" + checkpointID
}

func isCosmosStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func decodeCosmosItem(raw []byte) (*StateDocument, error) {
	var item cosmosStateItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal document: %v", ErrSerialization, err)
	}
	createdAt, err := time.Parse(cosmosTimeLayout, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad created_at %q: %v", ErrSerialization, item.CreatedAt, err)
	}
	updatedAt, err := time.Parse(cosmosTimeLayout, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad updated_at %q: %v", ErrSerialization, item.UpdatedAt, err)
	}
	return &StateDocument{
		ThreadID:     item.ThreadID,
		CheckpointID: item.CheckpointID,
		State:        item.State,
		Metadata:     item.Metadata,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}
