package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kando-api/domain"
)

// fakePersistence keeps rows in memory and records every remote call. The fn
// fields override the default behaviour of individual calls.
type fakePersistence struct {
	mu      sync.Mutex
	columns []domain.Column
	tasks   []domain.Task
	nextID  int64
	calls   []string

	fetchTasksFn           func(ctx context.Context) ([]domain.Task, error)
	fetchColumnsFn         func(ctx context.Context) ([]domain.Column, error)
	createTaskFn           func(ctx context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error)
	updateTaskFn           func(ctx context.Context, id int64, patch domain.TaskPatch) error
	updateTaskColumnFn     func(ctx context.Context, id, columnID int64) error
	deleteTaskFn           func(ctx context.Context, id int64) error
	createColumnFn         func(ctx context.Context, title, status string, position int) (domain.Column, error)
	updateColumnTitleFn    func(ctx context.Context, id int64, title string) error
	updateColumnPositionFn func(ctx context.Context, id int64, position int) error
	deleteColumnFn         func(ctx context.Context, id int64) error
}

func newFakePersistence(columns []domain.Column, tasks []domain.Task) *fakePersistence {
	return &fakePersistence{
		columns: append([]domain.Column(nil), columns...),
		tasks:   append([]domain.Task(nil), tasks...),
		nextID:  1000,
	}
}

func (f *fakePersistence) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakePersistence) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Writes returns the recorded calls other than fetches.
func (f *fakePersistence) Writes() []string {
	var out []string
	for _, c := range f.Calls() {
		if c != "FetchColumns" && c != "FetchTasks" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakePersistence) FetchColumns(ctx context.Context) ([]domain.Column, error) {
	f.record("FetchColumns")
	if f.fetchColumnsFn != nil {
		return f.fetchColumnsFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Column(nil), f.columns...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakePersistence) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	f.record("FetchTasks")
	if f.fetchTasksFn != nil {
		return f.fetchTasksFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Task(nil), f.tasks...)
	sort.SliceStable(out, func(i, j int) bool { return domain.NewerFirst(out[i], out[j]) })
	return out, nil
}

func (f *fakePersistence) CreateTask(ctx context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error) {
	f.record("CreateTask(%s,%d)", title, columnID)
	if f.createTaskFn != nil {
		return f.createTaskFn(ctx, title, columnID, tag, ownerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t := domain.Task{ID: f.nextID, Title: title, Tag: tag, ColumnID: columnID, OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	f.tasks = append(f.tasks, t)
	return t, nil
}

func (f *fakePersistence) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) error {
	f.record("UpdateTask(%d)", id)
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, id, patch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks[i] = patch.Apply(t)
		}
	}
	return nil
}

func (f *fakePersistence) DeleteTask(ctx context.Context, id int64) error {
	f.record("DeleteTask(%d)", id)
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.tasks[:0]
	for _, t := range f.tasks {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	f.tasks = kept
	return nil
}

func (f *fakePersistence) UpdateTaskColumn(ctx context.Context, id, columnID int64) error {
	f.record("UpdateTaskColumn(%d,%d)", id, columnID)
	if f.updateTaskColumnFn != nil {
		return f.updateTaskColumnFn(ctx, id, columnID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks[i].ColumnID = columnID
		}
	}
	return nil
}

func (f *fakePersistence) CreateColumn(ctx context.Context, title, status string, position int) (domain.Column, error) {
	f.record("CreateColumn(%s,%d)", title, position)
	if f.createColumnFn != nil {
		return f.createColumnFn(ctx, title, status, position)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	col := domain.Column{ID: f.nextID, Title: title, Status: status, Position: position}
	f.columns = append(f.columns, col)
	return col, nil
}

func (f *fakePersistence) UpdateColumnTitle(ctx context.Context, id int64, title string) error {
	f.record("UpdateColumnTitle(%d,%s)", id, title)
	if f.updateColumnTitleFn != nil {
		return f.updateColumnTitleFn(ctx, id, title)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.columns {
		if c.ID == id {
			f.columns[i].Title = title
		}
	}
	return nil
}

func (f *fakePersistence) UpdateColumnPosition(ctx context.Context, id int64, position int) error {
	f.record("UpdateColumnPosition(%d,%d)", id, position)
	if f.updateColumnPositionFn != nil {
		return f.updateColumnPositionFn(ctx, id, position)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.columns {
		if c.ID == id {
			f.columns[i].Position = position
		}
	}
	return nil
}

func (f *fakePersistence) DeleteColumn(ctx context.Context, id int64) error {
	f.record("DeleteColumn(%d)", id)
	if f.deleteColumnFn != nil {
		return f.deleteColumnFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cols := f.columns[:0]
	for _, c := range f.columns {
		if c.ID != id {
			cols = append(cols, c)
		}
	}
	f.columns = cols
	tasks := f.tasks[:0]
	for _, t := range f.tasks {
		if t.ColumnID != id {
			tasks = append(tasks, t)
		}
	}
	f.tasks = tasks
	return nil
}

// RemotePositions returns the persisted position of every column.
func (f *fakePersistence) RemotePositions() map[int64]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]int, len(f.columns))
	for _, c := range f.columns {
		out[c.ID] = c.Position
	}
	return out
}

type fakeAuth struct {
	mu   sync.Mutex
	id   string
	role domain.Role
}

func (a *fakeAuth) CurrentUserID(context.Context) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id, a.id != ""
}

func (a *fakeAuth) Role(context.Context) domain.Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

func (a *fakeAuth) Become(id string, role domain.Role) {
	a.mu.Lock()
	a.id, a.role = id, role
	a.mu.Unlock()
}

type fakeProfiles struct {
	profiles []domain.Profile
	err      error
}

func (p fakeProfiles) FetchProfiles(context.Context, []string) ([]domain.Profile, error) {
	return p.profiles, p.err
}

func threeColumns() []domain.Column {
	return []domain.Column{
		{ID: 1, Title: "Backlog", Status: domain.StatusBacklog, Position: 0},
		{ID: 2, Title: "Doing", Status: domain.StatusDoing, Position: 1},
		{ID: 3, Title: "Done", Status: domain.StatusDone, Position: 2},
	}
}

func at(minute int) time.Time {
	return time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC)
}

func ptr[T any](v T) *T {
	return &v
}
