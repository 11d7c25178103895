package domain

import "time"

// Column statuses used by the default board layout. Status is a tag only and
// never identifies a column.
const (
	StatusBacklog = "backlog"
	StatusTodo    = "todo"
	StatusDoing   = "doing"
	StatusDone    = "done"
)

// Column is an ordered bucket of tasks. Positions across a board form the
// dense sequence 0..N-1 between completed mutations.
type Column struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// Task is a unit of work owned by the actor that created it. Tasks carry no
// intra-column position; they are displayed newest first.
type Task struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Tag       string    `json:"tag,omitempty"`
	ColumnID  int64     `json:"columnId"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lane is a column together with the tasks that reference it.
type Lane struct {
	Column
	Tasks []Task `json:"tasks"`
}

// TaskPatch carries a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Title    *string `json:"title,omitempty"`
	Tag      *string `json:"tag,omitempty"`
	ColumnID *int64  `json:"columnId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Tag == nil && p.ColumnID == nil
}

// Apply returns t with the patch fields merged in.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Tag != nil {
		t.Tag = *p.Tag
	}
	if p.ColumnID != nil {
		t.ColumnID = *p.ColumnID
	}
	return t
}

// NewerFirst orders tasks by creation time descending, breaking ties by id.
func NewerFirst(a, b Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
