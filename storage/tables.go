package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kando-api/domain"
)

const (
	boardPartition    = "board"
	profilesPartition = "profiles"
	counterPartition  = "counters"
	edmInt64          = "Edm.Int64"
	edmDateTime       = "Edm.DateTime"
	maxCounterRetries = 8
)

// ErrConcurrencyConflict is returned when an id counter keeps changing under
// concurrent writers.
var ErrConcurrencyConflict = errors.New("storage: concurrency conflict")

type tableClient interface {
	NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey, rowKey string, opts *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, opts *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, opts *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

type changeQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// TablesConfig names the Azure resources backing the board.
type TablesConfig struct {
	ConnectionString string
	ColumnsTable     string
	TasksTable       string
	ProfilesTable    string
	CountersTable    string
	ChangeQueue      string
}

// Tables persists the board in Azure Table storage and records every
// successful write on an optional change queue.
type Tables struct {
	columns  tableClient
	tasks    tableClient
	profiles tableClient
	counters tableClient
	changes  changeQueue
	logger   *log.Logger
	now      func() time.Time
}

// NewTables creates the table and queue clients from a connection string.
func NewTables(cfg TablesConfig, logger *log.Logger) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	t := &Tables{
		columns:  svc.NewClient(cfg.ColumnsTable),
		tasks:    svc.NewClient(cfg.TasksTable),
		profiles: svc.NewClient(cfg.ProfilesTable),
		counters: svc.NewClient(cfg.CountersTable),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if cfg.ChangeQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Minute * 5,
					RetryDelay:    time.Second * 1,
					MaxRetryDelay: time.Second * 60,
					StatusCodes:   []int{408, 429, 500, 502, 503, 504},
				},
			},
		}
		cq, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.ChangeQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		t.changes = cq
	}
	if t.logger == nil {
		t.logger = log.StandardLogger()
	}
	return t, nil
}

type columnEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Title        string `json:"Title"`
	Status       string `json:"Status"`
	Position     int    `json:"Position"`
}

type taskEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Title         string `json:"Title"`
	Tag           string `json:"Tag"`
	ColumnID      string `json:"ColumnID"`
	OwnerID       string `json:"OwnerID"`
	CreatedAt     string `json:"CreatedAt"`
	CreatedAtType string `json:"CreatedAt@odata.type,omitempty"`
}

type profileEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Username     string `json:"Username"`
}

type counterEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Value        string `json:"Value"`
	ValueType    string `json:"Value@odata.type,omitempty"`
}

// rowKey pads ids so lexical row order matches numeric order.
func rowKey(id int64) string {
	return fmt.Sprintf("%019d", id)
}

func parseRowKey(rk string) (int64, error) {
	id, err := strconv.ParseInt(rk, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse row key %q: %w", rk, err)
	}
	return id, nil
}

func decodeColumnEntity(data []byte) (domain.Column, error) {
	var ent columnEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Column{}, err
	}
	id, err := parseRowKey(ent.RowKey)
	if err != nil {
		return domain.Column{}, err
	}
	return domain.Column{ID: id, Title: ent.Title, Status: ent.Status, Position: ent.Position}, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	id, err := parseRowKey(ent.RowKey)
	if err != nil {
		return domain.Task{}, err
	}
	columnID, err := strconv.ParseInt(ent.ColumnID, 10, 64)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %d column id: %w", id, err)
	}
	var created time.Time
	if ent.CreatedAt != "" {
		created, err = time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %d created at: %w", id, err)
		}
	}
	return domain.Task{
		ID:        id,
		Title:     ent.Title,
		Tag:       ent.Tag,
		ColumnID:  columnID,
		OwnerID:   ent.OwnerID,
		CreatedAt: created.UTC(),
	}, nil
}

func (t *Tables) list(ctx context.Context, client tableClient, filter string, each func([]byte) error) error {
	pager := client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := each(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// FetchColumns returns every column ordered by position.
func (t *Tables) FetchColumns(ctx context.Context) ([]domain.Column, error) {
	columns := []domain.Column{}
	err := t.list(ctx, t.columns, "PartitionKey eq '"+boardPartition+"'", func(data []byte) error {
		c, err := decodeColumnEntity(data)
		if err != nil {
			return err
		}
		columns = append(columns, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(columns, func(i, j int) bool {
		if columns[i].Position != columns[j].Position {
			return columns[i].Position < columns[j].Position
		}
		return columns[i].ID < columns[j].ID
	})
	return columns, nil
}

// FetchTasks returns every task, newest first.
func (t *Tables) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	return t.fetchTasks(ctx, "PartitionKey eq '"+boardPartition+"'")
}

func (t *Tables) fetchTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	tasks := []domain.Task{}
	err := t.list(ctx, t.tasks, filter, func(data []byte) error {
		task, err := decodeTaskEntity(data)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return domain.NewerFirst(tasks[i], tasks[j]) })
	return tasks, nil
}

func (t *Tables) CreateTask(ctx context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error) {
	id, err := t.nextID(ctx, "tasks")
	if err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{ID: id, Title: title, Tag: tag, ColumnID: columnID, OwnerID: ownerID, CreatedAt: t.now()}
	payload, err := sonic.Marshal(taskEntity{
		PartitionKey:  boardPartition,
		RowKey:        rowKey(id),
		Title:         title,
		Tag:           tag,
		ColumnID:      strconv.FormatInt(columnID, 10),
		OwnerID:       ownerID,
		CreatedAt:     task.CreatedAt.Format(time.RFC3339Nano),
		CreatedAtType: edmDateTime,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := t.tasks.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	t.publish(ctx, "task", id, domain.TaskCreated, task)
	return task, nil
}

func (t *Tables) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) error {
	fields := map[string]any{}
	if patch.Title != nil {
		fields["Title"] = *patch.Title
	}
	if patch.Tag != nil {
		fields["Tag"] = *patch.Tag
	}
	if patch.ColumnID != nil {
		fields["ColumnID"] = strconv.FormatInt(*patch.ColumnID, 10)
	}
	if err := t.merge(ctx, t.tasks, id, fields); err != nil {
		return err
	}
	t.publish(ctx, "task", id, domain.TaskUpdated, patch)
	return nil
}

func (t *Tables) UpdateTaskColumn(ctx context.Context, id, columnID int64) error {
	if err := t.merge(ctx, t.tasks, id, map[string]any{"ColumnID": strconv.FormatInt(columnID, 10)}); err != nil {
		return err
	}
	t.publish(ctx, "task", id, domain.TaskMoved, map[string]int64{"columnId": columnID})
	return nil
}

func (t *Tables) DeleteTask(ctx context.Context, id int64) error {
	if err := t.delete(ctx, t.tasks, id); err != nil {
		return err
	}
	t.publish(ctx, "task", id, domain.TaskDeleted, nil)
	return nil
}

func (t *Tables) CreateColumn(ctx context.Context, title, status string, position int) (domain.Column, error) {
	id, err := t.nextID(ctx, "columns")
	if err != nil {
		return domain.Column{}, err
	}
	col := domain.Column{ID: id, Title: title, Status: status, Position: position}
	payload, err := sonic.Marshal(columnEntity{
		PartitionKey: boardPartition,
		RowKey:       rowKey(id),
		Title:        title,
		Status:       status,
		Position:     position,
	})
	if err != nil {
		return domain.Column{}, err
	}
	if _, err := t.columns.AddEntity(ctx, payload, nil); err != nil {
		return domain.Column{}, err
	}
	t.publish(ctx, "column", id, domain.ColumnCreated, col)
	return col, nil
}

func (t *Tables) UpdateColumnTitle(ctx context.Context, id int64, title string) error {
	if err := t.merge(ctx, t.columns, id, map[string]any{"Title": title}); err != nil {
		return err
	}
	t.publish(ctx, "column", id, domain.ColumnRenamed, map[string]string{"title": title})
	return nil
}

func (t *Tables) UpdateColumnPosition(ctx context.Context, id int64, position int) error {
	if err := t.merge(ctx, t.columns, id, map[string]any{"Position": position}); err != nil {
		return err
	}
	t.publish(ctx, "column", id, domain.ColumnPositionChange, map[string]int{"position": position})
	return nil
}

// DeleteColumn removes a column and every task in it. Tasks go first so a
// failure never leaves tasks pointing at a missing column.
func (t *Tables) DeleteColumn(ctx context.Context, id int64) error {
	filter := fmt.Sprintf("PartitionKey eq '%s' and ColumnID eq '%d'", boardPartition, id)
	tasks, err := t.fetchTasks(ctx, filter)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.ColumnID != id {
			continue
		}
		if err := t.delete(ctx, t.tasks, task.ID); err != nil {
			return fmt.Errorf("delete task %d of column %d: %w", task.ID, id, err)
		}
	}
	if err := t.delete(ctx, t.columns, id); err != nil {
		return err
	}
	t.publish(ctx, "column", id, domain.ColumnDeleted, map[string]int{"tasks": len(tasks)})
	return nil
}

// FetchProfiles resolves display names. Unknown ids are skipped.
func (t *Tables) FetchProfiles(ctx context.Context, ids []string) ([]domain.Profile, error) {
	profiles := make([]domain.Profile, 0, len(ids))
	for _, id := range ids {
		resp, err := t.profiles.GetEntity(ctx, profilesPartition, id, nil)
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				continue
			}
			return nil, err
		}
		var ent profileEntity
		if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
			return nil, err
		}
		profiles = append(profiles, domain.Profile{ID: ent.RowKey, Username: ent.Username})
	}
	return profiles, nil
}

// UpsertProfile stores a display name for an actor.
func (t *Tables) UpsertProfile(ctx context.Context, p domain.Profile) error {
	payload, err := sonic.Marshal(profileEntity{PartitionKey: profilesPartition, RowKey: p.ID, Username: p.Username})
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = t.profiles.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if isStatus(err, http.StatusNotFound) {
		_, err = t.profiles.AddEntity(ctx, payload, nil)
	}
	return err
}

func (t *Tables) merge(ctx context.Context, client tableClient, id int64, fields map[string]any) error {
	fields["PartitionKey"] = boardPartition
	fields["RowKey"] = rowKey(id)
	payload, err := sonic.Marshal(fields)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if isStatus(err, http.StatusNotFound) {
		return domain.NotFound("entity_not_found", "The item no longer exists")
	}
	return err
}

func (t *Tables) delete(ctx context.Context, client tableClient, id int64) error {
	et := azcore.ETagAny
	_, err := client.DeleteEntity(ctx, boardPartition, rowKey(id), &aztables.DeleteEntityOptions{IfMatch: &et})
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// nextID increments a named counter with optimistic concurrency on its ETag.
func (t *Tables) nextID(ctx context.Context, name string) (int64, error) {
	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		resp, err := t.counters.GetEntity(ctx, counterPartition, name, nil)
		if isStatus(err, http.StatusNotFound) {
			payload, err := sonic.Marshal(counterEntity{PartitionKey: counterPartition, RowKey: name, Value: "1", ValueType: edmInt64})
			if err != nil {
				return 0, err
			}
			if _, err := t.counters.AddEntity(ctx, payload, nil); err != nil {
				if isStatus(err, http.StatusConflict) {
					continue
				}
				return 0, err
			}
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		var ent counterEntity
		if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
			return 0, err
		}
		cur, err := strconv.ParseInt(ent.Value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter %s: %w", name, err)
		}
		next := cur + 1
		payload, err := sonic.Marshal(counterEntity{
			PartitionKey: counterPartition,
			RowKey:       name,
			Value:        strconv.FormatInt(next, 10),
			ValueType:    edmInt64,
		})
		if err != nil {
			return 0, err
		}
		etag := resp.ETag
		_, err = t.counters.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if isStatus(err, http.StatusPreconditionFailed) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return next, nil
	}
	return 0, ErrConcurrencyConflict
}

// publish records a change event. The write it describes has already
// succeeded, so a queue failure is only logged.
func (t *Tables) publish(ctx context.Context, entityType string, id int64, typ string, data any) {
	if t.changes == nil {
		return
	}
	ev := domain.ChangeEvent{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   id,
		Type:       typ,
		Time:       t.now().UnixMilli(),
	}
	if data != nil {
		raw, err := sonic.Marshal(data)
		if err != nil {
			t.logger.WithError(err).WithField("type", typ).Warn("change event encode")
			return
		}
		ev.Data = raw
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		t.logger.WithError(err).WithField("type", typ).Warn("change event encode")
		return
	}
	if _, err := t.changes.EnqueueMessage(ctx, string(payload), nil); err != nil {
		t.logger.WithError(err).WithFields(log.Fields{"type": typ, "entity_id": id}).Warn("change event enqueue")
	}
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
