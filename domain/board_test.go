package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestColumnMarshalIncludesZeroPosition(t *testing.T) {
	col := Column{ID: 1, Title: "Backlog", Status: StatusBacklog, Position: 0}

	payload, err := sonic.Marshal(col)
	if err != nil {
		t.Fatalf("marshal column: %v", err)
	}

	if !strings.Contains(string(payload), "\"position\":0") {
		t.Fatalf("expected position field to be present, got %s", payload)
	}
}

func TestTaskPatchApplyLeavesIdentityUntouched(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	task := Task{ID: 7, Title: "old", Tag: "bug", ColumnID: 5, OwnerID: "u1", CreatedAt: created}
	title := "new"
	col := int64(9)

	got := TaskPatch{Title: &title, ColumnID: &col}.Apply(task)

	if got.Title != "new" || got.ColumnID != 9 {
		t.Fatalf("patch not applied: %#v", got)
	}
	if got.ID != 7 || got.OwnerID != "u1" || !got.CreatedAt.Equal(created) || got.Tag != "bug" {
		t.Fatalf("unexpected field change: %#v", got)
	}
	if !(TaskPatch{}).Empty() {
		t.Fatalf("expected zero patch to be empty")
	}
}

func TestNewerFirst(t *testing.T) {
	base := time.Now()
	older := Task{ID: 1, CreatedAt: base}
	newer := Task{ID: 2, CreatedAt: base.Add(time.Second)}
	if !NewerFirst(newer, older) || NewerFirst(older, newer) {
		t.Fatalf("expected newer task first")
	}
	tie := Task{ID: 3, CreatedAt: base}
	if !NewerFirst(tie, older) {
		t.Fatalf("expected higher id first on equal timestamps")
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", RemoteFailure("update_task", "could not save task", errors.New("boom")))

	if !errors.Is(err, ErrRemoteFailure) {
		t.Fatalf("expected remote failure match")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("unexpected validation match")
	}
	if KindOf(err) != KindRemoteFailure {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if MessageOf(err) != "could not save task" {
		t.Fatalf("unexpected message %q", MessageOf(err))
	}
	if KindOf(errors.New("plain")) != KindRemoteFailure {
		t.Fatalf("expected unclassified errors to degrade to remote failure")
	}
}
