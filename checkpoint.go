package cadence

import (
	"context"
	"time"
)

// Checkpointer persists pipeline state keyed by thread id. The runner saves
// after every superstep, so a crashed run resumes from its last completed
// stage boundary.
type Checkpointer interface {
	// SaveState persists the state for the thread, replacing any previous
	// checkpoint.
	SaveState(ctx context.Context, threadID string, s State) error
	// LoadState returns the latest checkpoint for the thread. The second
	// return is false when no checkpoint exists.
	LoadState(ctx context.Context, threadID string) (State, bool, error)
}

// checkpointDoc is the serialized form of one checkpoint.
type checkpointDoc struct {
	ThreadID string    `json:"thread_id"`
	SavedAt  time.Time `json:"saved_at"`
	State    State     `json:"state"`
}

// FileCheckpointer stores one JSON document per thread in a directory. Good
// enough for a single-process deployment; the sqlite and postgres stores
// cover everything else.
type FileCheckpointer struct {
	store *JSONStore
}

// NewFileCheckpointer creates a checkpointer rooted at dir.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	store, err := NewJSONStore(dir)
	if err != nil {
		return nil, err
	}
	return &FileCheckpointer{store: store}, nil
}

// SaveState implements Checkpointer.
func (c *FileCheckpointer) SaveState(_ context.Context, threadID string, s State) error {
	return c.store.Save("thread_"+threadID, checkpointDoc{
		ThreadID: threadID,
		SavedAt:  time.Now(),
		State:    s,
	})
}

// LoadState implements Checkpointer.
func (c *FileCheckpointer) LoadState(_ context.Context, threadID string) (State, bool, error) {
	var doc checkpointDoc
	ok, err := c.store.Load("thread_"+threadID, &doc)
	if err != nil || !ok {
		return State{}, false, err
	}
	return doc.State, true, nil
}
