package board

import "kando-api/domain"

// Assignment is a column position to persist.
type Assignment struct {
	ColumnID int64 `json:"columnId"`
	Position int   `json:"position"`
}

// Direction of an explicit one-step column move.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Dense reports whether column positions equal their display indexes, which
// makes them the permutation 0..N-1.
func Dense(s *Snapshot) bool {
	for i, l := range s.lanes {
		if l.Position != i {
			return false
		}
	}
	return true
}

// Reindex moves a column to target (clamped to the board) and assigns
// position = index to every column. Assignments come back in index order and
// must be persisted in that order, one at a time.
func Reindex(s *Snapshot, columnID int64, target int) (*Snapshot, []Assignment, error) {
	from := s.ColumnIndex(columnID)
	if from < 0 {
		return nil, nil, domain.NotFound("column_not_found", "column not found")
	}
	target = clampIndex(target, len(s.lanes))

	lanes := make([]domain.Lane, 0, len(s.lanes))
	moved := s.lanes[from]
	for i, l := range s.lanes {
		if i != from {
			lanes = append(lanes, l)
		}
	}
	lanes = append(lanes[:target], append([]domain.Lane{moved}, lanes[target:]...)...)

	assignments := make([]Assignment, len(lanes))
	for i := range lanes {
		lanes[i].Position = i
		assignments[i] = Assignment{ColumnID: lanes[i].ID, Position: i}
	}
	return s.with(lanes), assignments, nil
}

// Swap exchanges a column with its neighbour in direction d. Moving the first
// column up or the last column down is a no-op and reports false.
func Swap(s *Snapshot, columnID int64, d Direction) (*Snapshot, []Assignment, bool, error) {
	i := s.ColumnIndex(columnID)
	if i < 0 {
		return nil, nil, false, domain.NotFound("column_not_found", "column not found")
	}
	j := i - 1
	if d == Down {
		j = i + 1
	}
	if j < 0 || j >= len(s.lanes) {
		return s, nil, false, nil
	}

	lanes := s.copyLanes()
	pi, pj := lanes[i].Position, lanes[j].Position
	lanes[i], lanes[j] = lanes[j], lanes[i]
	lanes[j].Position = pj
	lanes[i].Position = pi
	if pi == pj {
		// Duplicate positions cannot be exchanged meaningfully; fall back to indexes.
		lanes[i].Position, lanes[j].Position = i, j
	}
	return s.with(lanes), []Assignment{
		{ColumnID: lanes[j].ID, Position: lanes[j].Position},
		{ColumnID: lanes[i].ID, Position: lanes[i].Position},
	}, true, nil
}

// Compact rewrites positions to display indexes, returning only the columns
// whose position changed.
func Compact(s *Snapshot) (*Snapshot, []Assignment) {
	if Dense(s) {
		return s, nil
	}
	lanes := s.copyLanes()
	var assignments []Assignment
	for i := range lanes {
		if lanes[i].Position != i {
			lanes[i].Position = i
			assignments = append(assignments, Assignment{ColumnID: lanes[i].ID, Position: i})
		}
	}
	return s.with(lanes), assignments
}

// clampIndex limits target to the indexes of a board with n columns.
func clampIndex(target, n int) int {
	if target > n-1 {
		target = n - 1
	}
	if target < 0 {
		target = 0
	}
	return target
}

// MoveTask changes only the column of one task. Tasks carry no position, so
// no other task is touched; the in-lane order stays derived from creation
// time and any manual arrangement is not kept.
func MoveTask(s *Snapshot, taskID, columnID int64) (*Snapshot, error) {
	return s.PatchTask(taskID, domain.TaskPatch{ColumnID: &columnID})
}
