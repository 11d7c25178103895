package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

type tableCreator interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

type queueCreator interface {
	Create(ctx context.Context, options *azqueue.CreateOptions) (azqueue.CreateQueueResponse, error)
}

// InitTables creates the tables and change queue named in cfg. Resources
// that already exist are left untouched.
func InitTables(ctx context.Context, cfg TablesConfig, logger *log.Logger) error {
	if cfg.ConnectionString == "" {
		return errors.New("missing storage connection string")
	}
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return err
	}
	tables := map[string]tableCreator{}
	for _, name := range []string{cfg.ColumnsTable, cfg.TasksTable, cfg.ProfilesTable, cfg.CountersTable} {
		if name != "" {
			tables[name] = svc.NewClient(name)
		}
	}
	queues := map[string]queueCreator{}
	if cfg.ChangeQueue != "" {
		q, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.ChangeQueue, nil)
		if err != nil {
			return err
		}
		queues[cfg.ChangeQueue] = q
	}
	return createResources(ctx, tables, queues, logger)
}

func createResources(ctx context.Context, tables map[string]tableCreator, queues map[string]queueCreator, logger *log.Logger) error {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for name, c := range tables {
		_, err := c.CreateTable(ctx, nil)
		if err != nil && !hasErrorCode(err, string(aztables.TableAlreadyExists)) {
			return fmt.Errorf("create table %s: %w", name, err)
		}
		logger.WithField("table", name).Debug("table ready")
	}
	for name, q := range queues {
		_, err := q.Create(ctx, nil)
		if err != nil && !hasErrorCode(err, "QueueAlreadyExists") {
			return fmt.Errorf("create queue %s: %w", name, err)
		}
		logger.WithField("queue", name).Debug("queue ready")
	}
	return nil
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
