package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/redis/go-redis/v9"
)

// Key pattern: gauntlet:{namespace}:result:{identifier}
// Index:       gauntlet:{namespace}:results
// Channel:     gauntlet:{namespace}:result_events

// ResultKey returns the Redis hash key holding the latest result for id.
func ResultKey(namespace, id string) string {
	return fmt.Sprintf("gauntlet:%s:result:%s", namespace, id)
}

// IndexKey returns the Redis set of every identifier with a stored result.
func IndexKey(namespace string) string {
	return fmt.Sprintf("gauntlet:%s:results", namespace)
}

// EventsChannel returns the Pub/Sub channel result updates are published on.
func EventsChannel(namespace string) string {
	return fmt.Sprintf("gauntlet:%s:result_events", namespace)
}

// Event is published after every stored result.
type Event struct {
	ID         string  `json:"identifier"`
	Status     string  `json:"status"`
	Winner     string  `json:"winner,omitempty"`
	Error      string  `json:"error,omitempty"`
	Port       int     `json:"port,omitempty"`
	DurationS  float64 `json:"duration_s"`
	FinishedAt int64   `json:"finished_at_ms"`
}

// RedisStore keeps results in Redis so several hosts (or a dashboard) can share one batch.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a store for namespace.
func NewRedisStore(opts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &RedisStore{
		rdb:       redis.NewClient(opts),
		namespace: namespace,
	}, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Update writes the result hash and index entry in one MULTI/EXEC and publishes an event.
func (s *RedisStore) Update(ctx context.Context, res *match.Result) error {
	rec := FromResult(res)
	hash := recordToHash(rec)

	event, err := json.Marshal(Event{
		ID:         res.ID,
		Status:     string(res.Status),
		Winner:     string(res.Winner),
		Error:      rec.Error,
		Port:       res.Port,
		DurationS:  res.Duration.Seconds(),
		FinishedAt: res.FinishedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal result event: %w", err)
	}

	key := ResultKey(s.namespace, res.ID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hash)
		pipe.SAdd(ctx, IndexKey(s.namespace), res.ID)
		pipe.Publish(ctx, EventsChannel(s.namespace), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write result for %s to Redis: %w", res.ID, err)
	}
	return nil
}

// Load reads every indexed result.
func (s *RedisStore) Load(ctx context.Context) (map[string]Record, error) {
	ids, err := s.rdb.SMembers(ctx, IndexKey(s.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read result index: %w", err)
	}

	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds[id] = pipe.HGetAll(ctx, ResultKey(s.namespace, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	records := make(map[string]Record, len(ids))
	for id, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		rec, err := hashToRecord(hash)
		if err != nil {
			log.WithField("id", id).WithError(err).Warn("skipping malformed result hash")
			continue
		}
		records[id] = rec
	}
	return records, nil
}

// Subscribe streams result events until ctx is cancelled. The subscription is confirmed
// before Subscribe returns, so no event published afterwards is missed.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := s.rdb.Subscribe(ctx, EventsChannel(s.namespace))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to result events: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.WithError(err).Warn("skipping malformed result event")
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func recordToHash(r Record) map[string]interface{} {
	row := r.Row()
	hash := make(map[string]interface{}, len(Columns)+1)
	for i, col := range Columns {
		hash[col] = row[i]
	}
	hash["updated_at_ms"] = time.Now().UnixMilli()
	return hash
}

func hashToRecord(hash map[string]string) (Record, error) {
	row := make([]string, len(Columns))
	for i, col := range Columns {
		row[i] = hash[col]
	}
	return recordFromRow(row)
}
