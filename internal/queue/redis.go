package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/csvimport/internal/importer"
)

// DefaultRedisKey is the list tasks are pushed to.
const DefaultRedisKey = "csvimport:tasks"

// popTimeout bounds each blocking pop so Forward notices cancellation.
const popTimeout = 2 * time.Second

// RedisQueue is a task queue stored in a Redis list. Producers push to the head,
// Forward pops from the tail, so tasks run in enqueue order. A companion set holds
// the (import, method) pairs in the list, so a task that is already waiting is
// not pushed twice.
type RedisQueue struct {
	client  redis.UniversalClient
	key     string
	pending string
	logger  *slog.Logger
}

// NewRedisQueue returns a queue on key. An empty key uses DefaultRedisKey.
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{
		client:  client,
		key:     key,
		pending: key + ":pending",
		logger:  slog.Default().With("component", "queue", "key", key),
	}
}

func pendingMember(task importer.Task) string {
	return fmt.Sprintf("%d:%s", task.ImportID, task.Method)
}

// Enqueue pushes task to the list unless the same task is already waiting.
func (q *RedisQueue) Enqueue(ctx context.Context, task importer.Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "encode task")
	}
	member := pendingMember(task)
	added, err := q.client.SAdd(ctx, q.pending, member).Result()
	if err != nil {
		return errors.Wrap(err, "mark task pending")
	}
	if added == 0 {
		q.logger.Debug("task already pending", "import_id", task.ImportID, "method", task.Method)
		return nil
	}
	if err := q.client.LPush(ctx, q.key, b).Err(); err != nil {
		q.client.SRem(context.WithoutCancel(ctx), q.pending, member)
		return errors.Wrap(err, "push task")
	}
	return nil
}

// Len returns the number of tasks waiting in the list.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue length")
	}
	return n, nil
}

// Forward pops tasks and enqueues them on dst until ctx is done. Undecodable entries
// are logged and dropped.
func (q *RedisQueue) Forward(ctx context.Context, dst importer.Enqueuer) error {
	q.logger.Info("forwarding tasks from redis")
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("pop task failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		// BRPOP returns the key followed by the value.
		var task importer.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			q.logger.Warn("dropping undecodable task", "payload", res[1], "error", err)
			continue
		}
		if err := q.client.SRem(ctx, q.pending, pendingMember(task)).Err(); err != nil {
			q.logger.Warn("cannot clear pending mark", "import_id", task.ImportID, "error", err)
		}
		if err := dst.Enqueue(ctx, task); err != nil {
			// Put it back so another process can take it.
			bg := context.WithoutCancel(ctx)
			q.client.SAdd(bg, q.pending, pendingMember(task))
			if pushErr := q.client.RPush(bg, q.key, res[1]).Err(); pushErr != nil {
				q.logger.Error("task lost", "import_id", task.ImportID, "error", pushErr)
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "forward task")
		}
	}
}
