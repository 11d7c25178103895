package board

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Confirmation is a destructive action waiting for the caller's approval.
type Confirmation struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type stagedAction struct {
	Confirmation
	run func(ctx context.Context) error
}

// confirmations holds at most one staged action. Staging a new one discards
// the previous action without running it.
type confirmations struct {
	mu  sync.Mutex
	cur *stagedAction
}

func (c *confirmations) stage(message string, run func(ctx context.Context) error) Confirmation {
	s := &stagedAction{
		Confirmation: Confirmation{ID: uuid.NewString(), Message: message, CreatedAt: time.Now().UTC()},
		run:          run,
	}
	c.mu.Lock()
	c.cur = s
	c.mu.Unlock()
	return s.Confirmation
}

// take removes and returns the staged action if its id matches.
func (c *confirmations) take(id string) (*stagedAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.ID != id {
		return nil, false
	}
	s := c.cur
	c.cur = nil
	return s, true
}

func (c *confirmations) current() (Confirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Confirmation{}, false
	}
	return c.cur.Confirmation, true
}
