package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

type fakeTableCreator struct {
	err   error
	calls int
}

func (f *fakeTableCreator) CreateTable(context.Context, *aztables.CreateTableOptions) (aztables.CreateTableResponse, error) {
	f.calls++
	return aztables.CreateTableResponse{}, f.err
}

type fakeQueueCreator struct {
	err   error
	calls int
}

func (f *fakeQueueCreator) Create(context.Context, *azqueue.CreateOptions) (azqueue.CreateQueueResponse, error) {
	f.calls++
	return azqueue.CreateQueueResponse{}, f.err
}

func TestCreateResourcesIgnoresExisting(t *testing.T) {
	existing := &fakeTableCreator{err: &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: string(aztables.TableAlreadyExists)}}
	fresh := &fakeTableCreator{}
	queue := &fakeQueueCreator{err: &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "QueueAlreadyExists"}}

	err := createResources(context.Background(),
		map[string]tableCreator{"columns": existing, "tasks": fresh},
		map[string]queueCreator{"changes": queue}, nil)
	if err != nil {
		t.Fatalf("create resources: %v", err)
	}
	if existing.calls != 1 || fresh.calls != 1 || queue.calls != 1 {
		t.Fatalf("unexpected calls: %d %d %d", existing.calls, fresh.calls, queue.calls)
	}
}

func TestCreateResourcesFailsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	err := createResources(context.Background(),
		map[string]tableCreator{"columns": &fakeTableCreator{err: boom}}, nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected table error, got %v", err)
	}

	err = createResources(context.Background(), nil,
		map[string]queueCreator{"changes": &fakeQueueCreator{err: &azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationFailure"}}}, nil)
	if err == nil {
		t.Fatalf("expected queue error")
	}
}

func TestInitTablesRequiresConnectionString(t *testing.T) {
	if err := InitTables(context.Background(), TablesConfig{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
