package board

import (
	"sort"
	"strings"

	"kando-api/domain"
)

// Snapshot is an immutable view of the board. Transformations return a new
// snapshot that shares untouched lanes with the receiver; a lane's task slice
// is never written after the snapshot holding it has been built.
type Snapshot struct {
	lanes []domain.Lane
}

var emptySnapshot = &Snapshot{}

// NewSnapshot derives a board from flat column and task lists. Columns are
// ordered by position and every column gets a lane, empty or not. Tasks whose
// column does not exist are dropped.
func NewSnapshot(columns []domain.Column, tasks []domain.Task) *Snapshot {
	cols := append([]domain.Column(nil), columns...)
	sort.SliceStable(cols, func(i, j int) bool {
		if cols[i].Position != cols[j].Position {
			return cols[i].Position < cols[j].Position
		}
		return cols[i].ID < cols[j].ID
	})

	byColumn := make(map[int64][]domain.Task, len(cols))
	for _, c := range cols {
		byColumn[c.ID] = []domain.Task{}
	}
	for _, t := range tasks {
		if list, ok := byColumn[t.ColumnID]; ok {
			byColumn[t.ColumnID] = append(list, t)
		}
	}

	lanes := make([]domain.Lane, len(cols))
	for i, c := range cols {
		list := byColumn[c.ID]
		sort.SliceStable(list, func(a, b int) bool { return domain.NewerFirst(list[a], list[b]) })
		lanes[i] = domain.Lane{Column: c, Tasks: list}
	}
	return &Snapshot{lanes: lanes}
}

// Len returns the number of columns.
func (s *Snapshot) Len() int {
	return len(s.lanes)
}

// Lanes returns a deep copy of the board.
func (s *Snapshot) Lanes() []domain.Lane {
	out := make([]domain.Lane, len(s.lanes))
	for i, l := range s.lanes {
		tasks := make([]domain.Task, len(l.Tasks))
		copy(tasks, l.Tasks)
		out[i] = domain.Lane{Column: l.Column, Tasks: tasks}
	}
	return out
}

// Columns returns the columns in display order.
func (s *Snapshot) Columns() []domain.Column {
	out := make([]domain.Column, len(s.lanes))
	for i, l := range s.lanes {
		out[i] = l.Column
	}
	return out
}

// Tasks returns every task, lane by lane.
func (s *Snapshot) Tasks() []domain.Task {
	var out []domain.Task
	for _, l := range s.lanes {
		out = append(out, l.Tasks...)
	}
	return out
}

// Positions maps column ids to their positions.
func (s *Snapshot) Positions() map[int64]int {
	out := make(map[int64]int, len(s.lanes))
	for _, l := range s.lanes {
		out[l.ID] = l.Position
	}
	return out
}

func (s *Snapshot) Column(id int64) (domain.Column, bool) {
	if i := s.ColumnIndex(id); i >= 0 {
		return s.lanes[i].Column, true
	}
	return domain.Column{}, false
}

// ColumnIndex returns the display index of a column or -1.
func (s *Snapshot) ColumnIndex(id int64) int {
	for i, l := range s.lanes {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// LaneTasks returns a copy of the tasks in a column.
func (s *Snapshot) LaneTasks(columnID int64) []domain.Task {
	i := s.ColumnIndex(columnID)
	if i < 0 {
		return nil
	}
	return append([]domain.Task(nil), s.lanes[i].Tasks...)
}

func (s *Snapshot) Task(id int64) (domain.Task, bool) {
	if li, ti, ok := s.locate(id); ok {
		return s.lanes[li].Tasks[ti], true
	}
	return domain.Task{}, false
}

// Search returns tasks whose title contains query, ignoring case. An empty
// query matches everything.
func (s *Snapshot) Search(query string) []domain.Task {
	q := strings.ToLower(strings.TrimSpace(query))
	out := []domain.Task{}
	for _, l := range s.lanes {
		for _, t := range l.Tasks {
			if q == "" || strings.Contains(strings.ToLower(t.Title), q) {
				out = append(out, t)
			}
		}
	}
	return out
}

func (s *Snapshot) locate(taskID int64) (int, int, bool) {
	for li, l := range s.lanes {
		for ti, t := range l.Tasks {
			if t.ID == taskID {
				return li, ti, true
			}
		}
	}
	return -1, -1, false
}

func (s *Snapshot) with(lanes []domain.Lane) *Snapshot {
	return &Snapshot{lanes: lanes}
}

func (s *Snapshot) copyLanes() []domain.Lane {
	return append([]domain.Lane(nil), s.lanes...)
}

// InsertTask attaches a task to its column.
func (s *Snapshot) InsertTask(t domain.Task) (*Snapshot, error) {
	if _, ok := s.Task(t.ID); ok {
		return nil, domain.Validation("task_exists", "task already exists")
	}
	li := s.ColumnIndex(t.ColumnID)
	if li < 0 {
		return nil, domain.NotFound("column_not_found", "column not found")
	}
	lanes := s.copyLanes()
	lanes[li].Tasks = insertSorted(lanes[li].Tasks, t)
	return s.with(lanes), nil
}

// PatchTask merges a partial update into a task. A column change detaches the
// task from the source lane and attaches it to the target lane.
func (s *Snapshot) PatchTask(id int64, p domain.TaskPatch) (*Snapshot, error) {
	cur, ok := s.Task(id)
	if !ok {
		return nil, domain.NotFound("task_not_found", "task not found")
	}
	return s.ReplaceTask(id, p.Apply(cur))
}

// ReplaceTask swaps the task stored under id for t, which may carry a new id
// and column. It is used to exchange provisional tasks for server ones.
func (s *Snapshot) ReplaceTask(id int64, t domain.Task) (*Snapshot, error) {
	li, ti, ok := s.locate(id)
	if !ok {
		return nil, domain.NotFound("task_not_found", "task not found")
	}
	if t.ID != id {
		if _, exists := s.Task(t.ID); exists {
			return nil, domain.Validation("task_exists", "task already exists")
		}
	}
	target := s.ColumnIndex(t.ColumnID)
	if target < 0 {
		return nil, domain.NotFound("column_not_found", "column not found")
	}
	lanes := s.copyLanes()
	lanes[li].Tasks = removeAt(lanes[li].Tasks, ti)
	lanes[target].Tasks = insertSorted(lanes[target].Tasks, t)
	return s.with(lanes), nil
}

// RemoveTask detaches a task from its column.
func (s *Snapshot) RemoveTask(id int64) (*Snapshot, error) {
	li, ti, ok := s.locate(id)
	if !ok {
		return nil, domain.NotFound("task_not_found", "task not found")
	}
	lanes := s.copyLanes()
	lanes[li].Tasks = removeAt(lanes[li].Tasks, ti)
	return s.with(lanes), nil
}

// InsertColumn adds an empty lane, placed by position.
func (s *Snapshot) InsertColumn(c domain.Column) (*Snapshot, error) {
	if s.ColumnIndex(c.ID) >= 0 {
		return nil, domain.Validation("column_exists", "column already exists")
	}
	return s.insertLane(domain.Lane{Column: c, Tasks: []domain.Task{}}), nil
}

func (s *Snapshot) insertLane(lane domain.Lane) *Snapshot {
	at := len(s.lanes)
	for i, l := range s.lanes {
		if lane.Position < l.Position || (lane.Position == l.Position && lane.ID < l.ID) {
			at = i
			break
		}
	}
	lanes := make([]domain.Lane, 0, len(s.lanes)+1)
	lanes = append(lanes, s.lanes[:at]...)
	lanes = append(lanes, lane)
	lanes = append(lanes, s.lanes[at:]...)
	return s.with(lanes)
}

// ColumnPatch carries a partial column update.
type ColumnPatch struct {
	Title    *string
	Status   *string
	Position *int
}

// PatchColumn updates column fields in place. It never reorders lanes; the
// ordering functions own lane order.
func (s *Snapshot) PatchColumn(id int64, p ColumnPatch) (*Snapshot, error) {
	i := s.ColumnIndex(id)
	if i < 0 {
		return nil, domain.NotFound("column_not_found", "column not found")
	}
	lanes := s.copyLanes()
	if p.Title != nil {
		lanes[i].Title = *p.Title
	}
	if p.Status != nil {
		lanes[i].Status = *p.Status
	}
	if p.Position != nil {
		lanes[i].Position = *p.Position
	}
	return s.with(lanes), nil
}

// ReplaceColumn swaps the column stored under id for c, keeping its tasks
// and rewriting their column reference when the id changes.
func (s *Snapshot) ReplaceColumn(id int64, c domain.Column) (*Snapshot, error) {
	i := s.ColumnIndex(id)
	if i < 0 {
		return nil, domain.NotFound("column_not_found", "column not found")
	}
	if c.ID != id && s.ColumnIndex(c.ID) >= 0 {
		return nil, domain.Validation("column_exists", "column already exists")
	}
	lanes := s.copyLanes()
	tasks := lanes[i].Tasks
	if c.ID != id {
		tasks = make([]domain.Task, len(lanes[i].Tasks))
		for k, t := range lanes[i].Tasks {
			t.ColumnID = c.ID
			tasks[k] = t
		}
	}
	lanes[i] = domain.Lane{Column: c, Tasks: tasks}
	return s.with(lanes), nil
}

// RemoveColumn drops a column and every task that references it.
func (s *Snapshot) RemoveColumn(id int64) (*Snapshot, error) {
	i := s.ColumnIndex(id)
	if i < 0 {
		return nil, domain.NotFound("column_not_found", "column not found")
	}
	lanes := make([]domain.Lane, 0, len(s.lanes)-1)
	lanes = append(lanes, s.lanes[:i]...)
	lanes = append(lanes, s.lanes[i+1:]...)
	return s.with(lanes), nil
}

func insertSorted(tasks []domain.Task, t domain.Task) []domain.Task {
	at := sort.Search(len(tasks), func(i int) bool { return domain.NewerFirst(t, tasks[i]) })
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks[:at]...)
	out = append(out, t)
	out = append(out, tasks[at:]...)
	return out
}

func removeAt(tasks []domain.Task, i int) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)-1)
	out = append(out, tasks[:i]...)
	return append(out, tasks[i+1:]...)
}
