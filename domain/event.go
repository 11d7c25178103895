package domain

import "github.com/bytedance/sonic"

// Change feed event types.
const (
	TaskCreated          = "task-created"
	TaskUpdated          = "task-updated"
	TaskMoved            = "task-moved"
	TaskDeleted          = "task-deleted"
	ColumnCreated        = "column-created"
	ColumnRenamed        = "column-renamed"
	ColumnPositionChange = "column-position-changed"
	ColumnDeleted        = "column-deleted"
)

// ChangeEvent records a successful write against the backing store. It feeds
// downstream consumers only and is never used to synchronize clients.
type ChangeEvent struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entityType"`
	EntityID   int64                  `json:"entityId"`
	Type       string                 `json:"type"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Time       int64                  `json:"time"`
}
