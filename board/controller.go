package board

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kando-api/domain"
	"kando-api/rbac"
)

// Persistence is the remote store for columns and tasks. Implementations are
// stateless and last-writer-wins; DeleteColumn cascades to the column's tasks.
type Persistence interface {
	FetchColumns(ctx context.Context) ([]domain.Column, error)
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error)
	UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, id int64) error
	UpdateTaskColumn(ctx context.Context, id, columnID int64) error
	CreateColumn(ctx context.Context, title, status string, position int) (domain.Column, error)
	UpdateColumnTitle(ctx context.Context, id int64, title string) error
	UpdateColumnPosition(ctx context.Context, id int64, position int) error
	DeleteColumn(ctx context.Context, id int64) error
}

// ProfileSource resolves owner ids to display names.
type ProfileSource interface {
	FetchProfiles(ctx context.Context, ids []string) ([]domain.Profile, error)
}

// AuthProvider supplies the acting identity. It is consulted once per
// operation and never cached.
type AuthProvider interface {
	CurrentUserID(ctx context.Context) (string, bool)
	Role(ctx context.Context) domain.Role
}

// LocalSettings keeps cosmetic values that never reach the remote store.
type LocalSettings interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

type Options struct {
	Locker         Locker
	Settings       LocalSettings
	Profiles       ProfileSource
	NoticeInterval time.Duration
	Logger         *log.Logger
	Now            func() time.Time
}

// Controller runs every board mutation: gate, optimistic apply, persist,
// then commit or roll back. It owns the store; nothing else writes to it.
type Controller struct {
	persist  Persistence
	auth     AuthProvider
	profiles ProfileSource
	settings LocalSettings
	locker   Locker
	logger   *log.Logger
	now      func() time.Time

	store    *Store
	notices  *Notices
	confirms confirmations

	provisional atomic.Int64
}

func NewController(persist Persistence, auth AuthProvider, opts Options) *Controller {
	c := &Controller{
		persist:  persist,
		auth:     auth,
		profiles: opts.Profiles,
		settings: opts.Settings,
		locker:   opts.Locker,
		logger:   opts.Logger,
		now:      opts.Now,
		store:    NewStore(),
		notices:  NewNotices(opts.NoticeInterval),
	}
	if c.locker == nil {
		c.locker = NewLocalLocker()
	}
	if c.settings == nil {
		c.settings = &memorySettings{values: make(map[string]string)}
	}
	if c.logger == nil {
		c.logger = log.StandardLogger()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Board returns the current snapshot.
func (c *Controller) Board() *Snapshot {
	return c.store.Snapshot()
}

func (c *Controller) Subscribe() (<-chan *Snapshot, func()) {
	return c.store.Subscribe()
}

func (c *Controller) Notices() *Notices {
	return c.notices
}

func (c *Controller) Close() {
	c.notices.Close()
}

// LoadBoard fetches columns and tasks in parallel and replaces the board once
// both have arrived.
func (c *Controller) LoadBoard(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		c.logger.WithError(err).Warn("board.load")
		return c.report(err)
	}
	return nil
}

func (c *Controller) load(ctx context.Context) error {
	var (
		columns []domain.Column
		tasks   []domain.Task
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		columns, err = c.persist.FetchColumns(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		tasks, err = c.persist.FetchTasks(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return remoteFailure("Failed to load the board", err)
	}
	c.store.Load(columns, tasks)
	return nil
}

// CreateTask inserts a provisional task, persists it and then reloads the
// board so server-side defaults replace the local guess.
func (c *Controller) CreateTask(ctx context.Context, title string, columnID int64, tag string) (domain.Task, error) {
	title = strings.TrimSpace(title)
	tag = strings.TrimSpace(tag)
	var created domain.Task
	err := c.mutate(ctx, operation{
		name:     "create-task",
		action:   rbac.ActionCreateTask,
		failure:  "Failed to create task",
		validate: func() error { return requireTitle(title, "Task") },
		plan: func(s *Snapshot, actor domain.Actor) (*change, error) {
			if err := requireColumn(s, columnID); err != nil {
				return nil, err
			}
			provisional := domain.Task{
				ID:        c.nextProvisionalID(),
				Title:     title,
				Tag:       tag,
				ColumnID:  columnID,
				OwnerID:   actor.ID,
				CreatedAt: c.now(),
			}
			return &change{
				keys:    []string{TaskKey(provisional.ID)},
				touched: Touched{Tasks: []int64{provisional.ID}},
				apply: func(s *Snapshot) (*Snapshot, error) {
					return s.InsertTask(provisional)
				},
				persist: func(ctx context.Context, m *mutationMetrics) error {
					return timed(m, func() error {
						var err error
						created, err = c.persist.CreateTask(ctx, title, columnID, tag, actor.ID)
						return err
					})
				},
				commit: func(ctx context.Context, _ *mutationMetrics) error {
					if err := c.load(ctx); err != nil {
						c.logger.WithError(err).WithField("task_id", created.ID).Warn("board.create_task.refresh")
						_, _, _ = c.store.Update(func(s *Snapshot) (*Snapshot, error) {
							return s.ReplaceTask(provisional.ID, created)
						})
					}
					return nil
				},
			}, nil
		},
	})
	return created, err
}

// UpdateTask merges a partial update into a task owned by the actor, or any
// task for admins.
func (c *Controller) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) error {
	patch = trimPatch(patch)
	return c.mutate(ctx, operation{
		name:    "update-task",
		action:  rbac.ActionEditTask,
		failure: "Failed to update task",
		validate: func() error {
			if patch.Empty() {
				return domain.Validation("empty_patch", "Nothing to update")
			}
			if patch.Title != nil {
				return requireTitle(*patch.Title, "Task")
			}
			return nil
		},
		target: taskTarget(id),
		plan: func(s *Snapshot, _ domain.Actor) (*change, error) {
			if patch.ColumnID != nil {
				if err := requireColumn(s, *patch.ColumnID); err != nil {
					return nil, err
				}
			}
			return &change{
				keys:    []string{TaskKey(id)},
				touched: Touched{Tasks: []int64{id}},
				apply: func(s *Snapshot) (*Snapshot, error) {
					return s.PatchTask(id, patch)
				},
				persist: func(ctx context.Context, m *mutationMetrics) error {
					return timed(m, func() error { return c.persist.UpdateTask(ctx, id, patch) })
				},
			}, nil
		},
	})
}

// MoveTask changes the column of one task and nothing else.
func (c *Controller) MoveTask(ctx context.Context, id, columnID int64) error {
	return c.mutate(ctx, operation{
		name:    "move-task",
		action:  rbac.ActionMoveTask,
		failure: "Failed to move task",
		target:  taskTarget(id),
		plan: func(s *Snapshot, _ domain.Actor) (*change, error) {
			if err := requireColumn(s, columnID); err != nil {
				return nil, err
			}
			if t, _ := s.Task(id); t.ColumnID == columnID {
				return nil, nil
			}
			return &change{
				keys:    []string{TaskKey(id)},
				touched: Touched{Tasks: []int64{id}},
				apply: func(s *Snapshot) (*Snapshot, error) {
					return MoveTask(s, id, columnID)
				},
				persist: func(ctx context.Context, m *mutationMetrics) error {
					return timed(m, func() error { return c.persist.UpdateTaskColumn(ctx, id, columnID) })
				},
			}, nil
		},
	})
}

// RequestDeleteTask stages a task deletion behind a confirmation.
func (c *Controller) RequestDeleteTask(ctx context.Context, id int64) (Confirmation, error) {
	t, ok := c.store.Snapshot().Task(id)
	var resource *domain.Task
	if ok {
		resource = &t
	}
	if err := c.gate(ctx, rbac.ActionDeleteTask, resource); err != nil {
		return Confirmation{}, err
	}
	if !ok {
		return Confirmation{}, c.report(domain.NotFound("task_not_found", "Task not found"))
	}
	msg := fmt.Sprintf("Delete task %q?", t.Title)
	return c.confirms.stage(msg, func(ctx context.Context) error { return c.deleteTask(ctx, id) }), nil
}

func (c *Controller) deleteTask(ctx context.Context, id int64) error {
	return c.mutate(ctx, operation{
		name:    "delete-task",
		action:  rbac.ActionDeleteTask,
		failure: "Failed to delete task",
		target:  taskTarget(id),
		plan: func(_ *Snapshot, _ domain.Actor) (*change, error) {
			return &change{
				keys:    []string{TaskKey(id)},
				touched: Touched{Tasks: []int64{id}},
				apply: func(s *Snapshot) (*Snapshot, error) {
					return s.RemoveTask(id)
				},
				persist: func(ctx context.Context, m *mutationMetrics) error {
					return timed(m, func() error { return c.persist.DeleteTask(ctx, id) })
				},
			}, nil
		},
	})
}

// CreateColumn appends a column at the end of the board. The provisional id
// is swapped for the server column once it is persisted.
func (c *Controller) CreateColumn(ctx context.Context, title, status string) (domain.Column, error) {
	title = strings.TrimSpace(title)
	status = strings.TrimSpace(status)
	if status == "" {
		status = domain.StatusTodo
	}
	var created domain.Column
	err := c.mutate(ctx, operation{
		name:     "create-column",
		action:   rbac.ActionCreateColumn,
		failure:  "Failed to create column",
		validate: func() error { return requireTitle(title, "Column") },
		plan: func(s *Snapshot, _ domain.Actor) (*change, error) {
			provisional := domain.Column{ID: c.nextProvisionalID(), Title: title, Status: status}
			keys := []string{ColumnsKey, ColumnKey(provisional.ID)}
			if !Dense(s) {
				for _, col := range s.Columns() {
					keys = append(keys, ColumnKey(col.ID))
				}
			}
			// A board left with gaps is compacted first so the new column
			// lands at a free position.
			var compaction []Assignment
			ch := &change{keys: keys}
			ch.apply = func(s *Snapshot) (*Snapshot, error) {
				compacted, as := Compact(s)
				compaction = as
				ch.touched = Touched{Columns: append(assignedColumns(as), provisional.ID)}
				provisional.Position = compacted.Len()
				return compacted.InsertColumn(provisional)
			}
			ch.persist = func(ctx context.Context, m *mutationMetrics) error {
				if err := c.persistPositions(ctx, m, compaction); err != nil {
					return err
				}
				return timed(m, func() error {
					var err error
					created, err = c.persist.CreateColumn(ctx, title, status, provisional.Position)
					return err
				})
			}
			ch.commit = func(context.Context, *mutationMetrics) error {
				_, _, err := c.store.Update(func(s *Snapshot) (*Snapshot, error) {
					return s.ReplaceColumn(provisional.ID, created)
				})
				if err != nil {
					c.logger.WithError(err).WithField("column_id", created.ID).Debug("board.create_column.swap")
				}
				return nil
			}
			return ch, nil
		},
	})
	return created, err
}

func (c *Controller) RenameColumn(ctx context.Context, id int64, title string) error {
	title = strings.TrimSpace(title)
	return c.mutate(ctx, operation{
		name:     "rename-column",
		action:   rbac.ActionRenameColumn,
		failure:  "Failed to rename column",
		validate: func() error { return requireTitle(title, "Column") },
		plan: func(s *Snapshot, _ domain.Actor) (*change, error) {
			if err := requireColumn(s, id); err != nil {
				return nil, err
			}
			return &change{
				keys:    []string{ColumnKey(id)},
				touched: Touched{Columns: []int64{id}},
				apply: func(s *Snapshot) (*Snapshot, error) {
					return s.PatchColumn(id, ColumnPatch{Title: &title})
				},
				persist: func(ctx context.Context, m *mutationMetrics) error {
					return timed(m, func() error { return c.persist.UpdateColumnTitle(ctx, id, title) })
				},
			}, nil
		},
	})
}

// MoveColumn drops a column at target and rewrites every position, persisting
// them one at a time in index order.
func (c *Controller) MoveColumn(ctx context.Context, id int64, target int) error {
	return c.mutate(ctx, operation{
		name:    "move-column",
		action:  rbac.ActionReorderColumn,
		failure: "Failed to reorder columns",
		plan: func(s *Snapshot, _ domain.Actor) (*change, error) {
			if err := requireColumn(s, id); err != nil {
				return nil, err
			}
			target = clampIndex(target, s.Len())
			if s.ColumnIndex(id) == target && Dense(s) {
				return nil, nil
			}
			keys := []string{ColumnsKey}
			for _, col := range s.Columns() {
				keys = append(keys, ColumnKey(col.ID))
			}
			var assignments []Assignment
			ch := &change{keys: keys}
			ch.apply = func(s *Snapshot) (*Snapshot, error) {
				next, as, err := Reindex(s, id, target)
				if err != nil {
					return nil, err
				}
				assignments = as
				ch.touched = Touched{Columns: assignedColumns(as)}
				return next, nil
			}
			ch.persist = func(ctx context.Context, m *mutationMetrics) error {
				return c.persistPositions(ctx, m, assignments)
			}
			return ch, nil
		},
	})
}

func (c *Controller) MoveColumnUp(ctx context.Context, id int64) error {
	return c.swap(ctx, id, Up)
}

func (c *Controller) MoveColumnDown(ctx context.Context, id int64) error {
	return c.swap(ctx, id, Down)
}

func (c *Controller) swap(ctx context.Context, id int64, d Direction) error {
	return c.mutate(ctx, operation{
		name:    "move-column-" + d.String(),
		action:  rbac.ActionReorderColumn,
		failure: "Failed to reorder columns",
		plan: func(s *Snapshot, _ domain.Actor) (*change, error) {
			if err := requireColumn(s, id); err != nil {
				return nil, err
			}
			i := s.ColumnIndex(id)
			j := i - 1
			if d == Down {
				j = i + 1
			}
			if j < 0 || j >= s.Len() {
				return nil, nil
			}
			neighbour := s.Columns()[j].ID
			var assignments []Assignment
			ch := &change{
				keys:    []string{ColumnsKey, ColumnKey(id), ColumnKey(neighbour)},
				touched: Touched{Columns: []int64{id, neighbour}},
			}
			ch.apply = func(s *Snapshot) (*Snapshot, error) {
				next, as, _, err := Swap(s, id, d)
				if err != nil {
					return nil, err
				}
				assignments = as
				return next, nil
			}
			ch.persist = func(ctx context.Context, m *mutationMetrics) error {
				return c.persistPositions(ctx, m, assignments)
			}
			return ch, nil
		},
	})
}

// RequestDeleteColumn stages the deletion of a column and its tasks behind a
// confirmation.
func (c *Controller) RequestDeleteColumn(ctx context.Context, id int64) (Confirmation, error) {
	if err := c.gate(ctx, rbac.ActionDeleteColumn, nil); err != nil {
		return Confirmation{}, err
	}
	s := c.store.Snapshot()
	col, ok := s.Column(id)
	if !ok {
		return Confirmation{}, c.report(domain.NotFound("column_not_found", "Column not found"))
	}
	msg := fmt.Sprintf("Delete column %q?", col.Title)
	if n := len(s.LaneTasks(id)); n > 0 {
		msg = fmt.Sprintf("Delete column %q and its %d tasks?", col.Title, n)
	}
	return c.confirms.stage(msg, func(ctx context.Context) error { return c.deleteColumn(ctx, id) }), nil
}

func (c *Controller) deleteColumn(ctx context.Context, id int64) error {
	return c.mutate(ctx, operation{
		name:    "delete-column",
		action:  rbac.ActionDeleteColumn,
		failure: "Failed to delete column",
		plan: func(s *Snapshot, _ domain.Actor) (*change, error) {
			return c.planDeleteColumn(s, id)
		},
	})
}

// planDeleteColumn claims the column and every task in its lane. A task that
// shows up in the lane after planning makes the delete Busy.
func (c *Controller) planDeleteColumn(s *Snapshot, id int64) (*change, error) {
	if err := requireColumn(s, id); err != nil {
		return nil, err
	}
	keys := []string{ColumnsKey, ColumnKey(id)}
	var taskIDs []int64
	claimed := make(map[int64]bool)
	for _, t := range s.LaneTasks(id) {
		keys = append(keys, TaskKey(t.ID))
		taskIDs = append(taskIDs, t.ID)
		claimed[t.ID] = true
	}
	return &change{
		keys:    keys,
		touched: Touched{Columns: []int64{id}, Tasks: taskIDs},
		apply: func(s *Snapshot) (*Snapshot, error) {
			for _, t := range s.LaneTasks(id) {
				if !claimed[t.ID] {
					return nil, domain.Busy("in_flight", "Another change to this item is still being saved")
				}
			}
			return s.RemoveColumn(id)
		},
		persist: func(ctx context.Context, m *mutationMetrics) error {
			return timed(m, func() error { return c.persist.DeleteColumn(ctx, id) })
		},
		commit: c.compact,
	}, nil
}

// compact closes the gap a deleted column leaves. A failed write reverts the
// positions only; the deletion itself stands.
func (c *Controller) compact(ctx context.Context, m *mutationMetrics) error {
	var assignments []Assignment
	before, applied, _ := c.store.Update(func(s *Snapshot) (*Snapshot, error) {
		next, as := Compact(s)
		assignments = as
		return next, nil
	})
	if err := c.persistPositions(ctx, m, assignments); err != nil {
		c.store.Rollback(before, applied, Touched{Columns: assignedColumns(assignments)})
		m.MarkRolledBack()
		return remoteFailure("Failed to reorder columns", err)
	}
	return nil
}

func (c *Controller) persistPositions(ctx context.Context, m *mutationMetrics, assignments []Assignment) error {
	for i, a := range assignments {
		err := timed(m, func() error { return c.persist.UpdateColumnPosition(ctx, a.ColumnID, a.Position) })
		if err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"column_id": a.ColumnID,
				"persisted": i,
				"total":     len(assignments),
			}).Warn("board.positions.partial")
			return err
		}
	}
	return nil
}

// Confirm runs the staged action with the given id.
func (c *Controller) Confirm(ctx context.Context, id string) error {
	staged, ok := c.confirms.take(id)
	if !ok {
		return c.report(domain.NotFound("confirmation_not_found", "Nothing to confirm"))
	}
	return staged.run(ctx)
}

// Cancel discards the staged action with the given id.
func (c *Controller) Cancel(id string) error {
	if _, ok := c.confirms.take(id); !ok {
		return c.report(domain.NotFound("confirmation_not_found", "Nothing to cancel"))
	}
	return nil
}

func (c *Controller) PendingConfirmation() (Confirmation, bool) {
	return c.confirms.current()
}

// BoardTitle reads the local board title, falling back to the default.
func (c *Controller) BoardTitle() string {
	v, ok, err := c.settings.Get(domain.BoardTitleKey)
	if err != nil {
		c.logger.WithError(err).Warn("board.title.read")
		return domain.DefaultBoardTitle
	}
	if !ok || strings.TrimSpace(v) == "" {
		return domain.DefaultBoardTitle
	}
	return v
}

// SetBoardTitle stores the board title locally. Admins only.
func (c *Controller) SetBoardTitle(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	if err := requireTitle(title, "Board"); err != nil {
		return c.report(err)
	}
	if err := c.gate(ctx, rbac.ActionEditBoardTitle, nil); err != nil {
		return err
	}
	if err := c.settings.Set(domain.BoardTitleKey, title); err != nil {
		c.logger.WithError(err).Warn("board.title.write")
		return c.report(domain.RemoteFailure("settings_failed", "Failed to save board title", err))
	}
	return nil
}

// TaskDetail is a task as shown on its own page.
type TaskDetail struct {
	domain.Task
	OwnerName   string `json:"ownerName"`
	ColumnTitle string `json:"columnTitle,omitempty"`
}

// UnknownOwner is shown when an owner's profile cannot be resolved.
const UnknownOwner = "Unknown"

// TaskDetail fetches a task fresh from the remote store. A missing task is
// returned as NotFound without publishing a notice.
func (c *Controller) TaskDetail(ctx context.Context, id int64) (TaskDetail, error) {
	tasks, err := c.persist.FetchTasks(ctx)
	if err != nil {
		return TaskDetail{}, c.report(remoteFailure("Failed to load task", err))
	}
	var (
		found domain.Task
		ok    bool
	)
	for _, t := range tasks {
		if t.ID == id {
			found, ok = t, true
			break
		}
	}
	if !ok {
		return TaskDetail{}, domain.NotFound("task_not_found", "Task not found")
	}
	detail := TaskDetail{Task: found, OwnerName: c.ownerName(ctx, found.OwnerID)}
	if col, ok := c.store.Snapshot().Column(found.ColumnID); ok {
		detail.ColumnTitle = col.Title
	}
	return detail, nil
}

func (c *Controller) ownerName(ctx context.Context, ownerID string) string {
	if c.profiles == nil || ownerID == "" {
		return UnknownOwner
	}
	profiles, err := c.profiles.FetchProfiles(ctx, []string{ownerID})
	if err != nil {
		c.logger.WithError(err).WithField("owner_id", ownerID).Warn("board.profiles")
		return UnknownOwner
	}
	for _, p := range profiles {
		if p.ID == ownerID && p.Username != "" {
			return p.Username
		}
	}
	return UnknownOwner
}

// SearchTasks filters the current board by title.
func (c *Controller) SearchTasks(query string) []domain.Task {
	return c.store.Snapshot().Search(query)
}

func (c *Controller) actor(ctx context.Context) domain.Actor {
	if c.auth == nil {
		return domain.Actor{Role: domain.RoleGuest}
	}
	id, ok := c.auth.CurrentUserID(ctx)
	if !ok {
		id = ""
	}
	return domain.Actor{ID: id, Role: c.auth.Role(ctx)}
}

func (c *Controller) gate(ctx context.Context, action rbac.Action, resource *domain.Task) error {
	if rbac.CanMutate(c.actor(ctx), action, resource) {
		return nil
	}
	return c.report(domain.PermissionDenied("forbidden", deniedMessage(action)))
}

// report publishes err as a notice and returns it.
func (c *Controller) report(err error) error {
	c.notices.Publish(domain.KindOf(err), domain.MessageOf(err))
	return err
}

// nextProvisionalID hands out negative ids for rows the server has not
// assigned yet.
func (c *Controller) nextProvisionalID() int64 {
	return c.provisional.Add(-1)
}

func taskTarget(id int64) func(*Snapshot) (domain.Task, error) {
	return func(s *Snapshot) (domain.Task, error) {
		t, ok := s.Task(id)
		if !ok {
			return domain.Task{}, domain.NotFound("task_not_found", "Task not found")
		}
		return t, nil
	}
}

func requireTitle(title, what string) error {
	if strings.TrimSpace(title) == "" {
		return domain.Validation("title_required", what+" title is required")
	}
	return nil
}

func requireColumn(s *Snapshot, id int64) error {
	if id < 0 {
		return domain.Busy("column_pending", "This column is still being saved")
	}
	if _, ok := s.Column(id); !ok {
		return domain.NotFound("column_not_found", "Column not found")
	}
	return nil
}

func trimPatch(p domain.TaskPatch) domain.TaskPatch {
	if p.Title != nil {
		v := strings.TrimSpace(*p.Title)
		p.Title = &v
	}
	if p.Tag != nil {
		v := strings.TrimSpace(*p.Tag)
		p.Tag = &v
	}
	return p
}

func assignedColumns(as []Assignment) []int64 {
	ids := make([]int64, len(as))
	for i, a := range as {
		ids[i] = a.ColumnID
	}
	return ids
}

type memorySettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memorySettings) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memorySettings) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}
