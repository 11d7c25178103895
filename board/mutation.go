package board

import (
	"context"
	"errors"
	"time"

	"kando-api/domain"
	"kando-api/rbac"
)

// operation describes one gated, optimistic board mutation.
type operation struct {
	name    string
	action  rbac.Action
	failure string

	// validate checks caller input without looking at the board.
	validate func() error
	// target resolves the task an action is gated on. Nil for column and
	// creation actions.
	target func(s *Snapshot) (domain.Task, error)
	// plan builds the change against the board as seen after the gate.
	plan func(s *Snapshot, actor domain.Actor) (*change, error)
}

// change is the optimistic half of a mutation and the remote calls that
// confirm it.
type change struct {
	keys    []string
	touched Touched
	apply   func(s *Snapshot) (*Snapshot, error)
	persist func(ctx context.Context, m *mutationMetrics) error
	// commit runs after a successful persist. Its failure is reported but
	// does not roll the persisted change back.
	commit func(ctx context.Context, m *mutationMetrics) error
}

func (c *Controller) mutate(ctx context.Context, op operation) error {
	m, ctx := newMutationMetrics(ctx, c.logger, op.name)
	err := c.execute(ctx, m, op)
	m.Log(err)
	if err != nil {
		c.notices.Publish(domain.KindOf(err), domain.MessageOf(err))
	}
	return err
}

func (c *Controller) execute(ctx context.Context, m *mutationMetrics, op operation) error {
	if op.validate != nil {
		if err := op.validate(); err != nil {
			m.SetErrorStage("validate")
			return err
		}
	}

	actor := c.actor(ctx)
	m.SetActor(actor)
	snap := c.store.Snapshot()

	var resource *domain.Task
	var missing error
	if op.target != nil {
		t, err := op.target(snap)
		if err != nil {
			missing = err
		} else {
			resource = &t
		}
	}
	if !rbac.CanMutate(actor, op.action, resource) {
		m.SetErrorStage("permission")
		return domain.PermissionDenied("forbidden", deniedMessage(op.action))
	}
	if missing != nil {
		m.SetErrorStage("target")
		return missing
	}

	ch, err := op.plan(snap, actor)
	if err != nil {
		m.SetErrorStage("plan")
		return err
	}
	if ch == nil {
		return nil
	}

	release, acquired, err := c.locker.Acquire(ctx, ch.keys)
	if err != nil {
		m.SetErrorStage("lock")
		return domain.RemoteFailure("lock_failed", op.failure, err)
	}
	if !acquired {
		m.SetErrorStage("lock")
		return domain.Busy("in_flight", "Another change to this item is still being saved")
	}
	defer release()

	before, applied, err := c.store.Update(ch.apply)
	if err != nil {
		m.SetErrorStage("apply")
		return err
	}

	if err := ch.persist(ctx, m); err != nil {
		c.store.Rollback(before, applied, ch.touched)
		m.MarkRolledBack()
		m.SetErrorStage("persist")
		return remoteFailure(op.failure, err)
	}
	if ch.commit != nil {
		if err := ch.commit(ctx, m); err != nil {
			m.SetErrorStage("commit")
			return err
		}
	}
	return nil
}

// timed runs one remote call and records it on m.
func timed(m *mutationMetrics, call func() error) error {
	start := time.Now()
	err := call()
	m.ObservePersist(time.Since(start))
	return err
}

func remoteFailure(message string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindRemoteFailure {
		return err
	}
	return domain.RemoteFailure("persist_failed", message, err)
}

func deniedMessage(a rbac.Action) string {
	switch a {
	case rbac.ActionCreateTask:
		return "You must be signed in to create tasks"
	case rbac.ActionEditTask, rbac.ActionMoveTask, rbac.ActionDeleteTask:
		return "You can only change your own tasks"
	case rbac.ActionEditBoardTitle:
		return "Only admins can rename the board"
	default:
		return "Only admins can manage columns"
	}
}
