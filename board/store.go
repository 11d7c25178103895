package board

import (
	"sort"
	"sync"

	"kando-api/domain"
)

// Store holds the current board snapshot. Writes are serialized and replace
// the snapshot pointer; readers always see a complete, immutable board.
type Store struct {
	mu   sync.Mutex
	cur  *Snapshot
	subs map[chan *Snapshot]struct{}
}

func NewStore() *Store {
	return &Store{cur: emptySnapshot, subs: make(map[chan *Snapshot]struct{})}
}

// Load replaces the whole board, deriving each column's tasks.
func (s *Store) Load(columns []domain.Column, tasks []domain.Task) *Snapshot {
	next := NewSnapshot(columns, tasks)
	s.mu.Lock()
	s.cur = next
	s.notifyLocked()
	s.mu.Unlock()
	return next
}

// Snapshot returns the current board.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Restore puts a previously captured snapshot back in place.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		snap = emptySnapshot
	}
	s.mu.Lock()
	s.cur = snap
	s.notifyLocked()
	s.mu.Unlock()
}

// Update applies fn to the current snapshot and installs the result. It
// returns the snapshots before and after the change.
func (s *Store) Update(fn func(*Snapshot) (*Snapshot, error)) (*Snapshot, *Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.cur
	after, err := fn(before)
	if err != nil {
		return before, before, err
	}
	if after != before {
		s.cur = after
		s.notifyLocked()
	}
	return before, after, nil
}

// Rollback undoes a change that produced applied from before. When nothing
// else has replaced the board since, this is a pointer swap back to before.
// Otherwise only the entities in touched are reverted to their captured
// versions, so concurrent changes to other entities survive.
func (s *Store) Rollback(before, applied *Snapshot, touched Touched) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == applied {
		s.cur = before
	} else {
		s.cur = revert(s.cur, before, touched)
	}
	s.notifyLocked()
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only ever see the most recent board.
func (s *Store) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.cur
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Store) notifyLocked() {
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.cur:
		default:
		}
	}
}

// Touched names the entities a mutation changed.
type Touched struct {
	Tasks   []int64
	Columns []int64
}

func revert(cur, captured *Snapshot, touched Touched) *Snapshot {
	next := cur
	for _, id := range touched.Columns {
		old, had := captured.Column(id)
		_, has := next.Column(id)
		switch {
		case had && has:
			next, _ = next.ReplaceColumn(id, old)
		case had && !has:
			next = next.insertLane(domain.Lane{Column: old, Tasks: []domain.Task{}})
		case !had && has:
			next, _ = next.RemoveColumn(id)
		}
	}
	if len(touched.Columns) > 0 {
		lanes := next.copyLanes()
		sort.SliceStable(lanes, func(i, j int) bool {
			if lanes[i].Position != lanes[j].Position {
				return lanes[i].Position < lanes[j].Position
			}
			return lanes[i].ID < lanes[j].ID
		})
		next = next.with(lanes)
	}
	for _, id := range touched.Tasks {
		old, had := captured.Task(id)
		_, has := next.Task(id)
		var reverted *Snapshot
		var err error
		switch {
		case had && has:
			reverted, err = next.ReplaceTask(id, old)
		case had && !has:
			reverted, err = next.InsertTask(old)
		case !had && has:
			reverted, err = next.RemoveTask(id)
		default:
			continue
		}
		if err == nil {
			next = reverted
		}
	}
	return next
}
