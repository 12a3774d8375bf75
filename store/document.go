package store

import "time"

// StateDocument is one persisted checkpoint of workflow state.
//
// State and Metadata are opaque to this package: any JSON-serializable
// mapping goes in and comes back deep-equal. A nil Metadata means the caller
// supplied none, which is distinct from an empty map.
type StateDocument struct {
	ThreadID     string         `json:"thread_id"`
	CheckpointID string         `json:"checkpoint_id"`
	State        map[string]any `json:"state"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// CreatedAt is fixed at first insertion and survives later upserts.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt moves forward on every write.
	UpdatedAt time.Time `json:"updated_at"`
}
