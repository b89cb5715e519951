package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "signoff"
	maxTxRetries     = 8
)

// RedisStore keeps one JSON record per request id with a TTL, a sorted set
// indexing prompted records by deadline, and one capped sorted set per
// tenant for activity.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   StoreOptions
}

// NewRedisStore wraps an existing client. An empty prefix uses "signoff".
func NewRedisStore(client redis.UniversalClient, prefix string, opts StoreOptions) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		opts:   opts.normalized(),
	}
}

// Ping checks that the backing Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) stateKey(id string) string { return s.prefix + ":apr:" + id }

func (s *RedisStore) dueKey() string { return s.prefix + ":apr:due" }

func (s *RedisStore) activityKey(tenantID string) string { return s.prefix + ":activity:" + tenantID }

func (s *RedisStore) Create(ctx context.Context, st State, policy DuplicatePolicy) (bool, error) {
	key := s.stateKey(st.Request.ID)
	encoded, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("marshal approval %s: %w", st.Request.ID, err)
	}

	created := false
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		existing, found, err := readState(ctx, tx, key)
		if err != nil {
			return err
		}
		if found && !admitCreate(existing, policy) {
			created = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.opts.TTL)
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("create approval %s: %w", st.Request.ID, err)
	}
	return created, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (State, error) {
	st, found, err := readState(ctx, s.client, s.stateKey(id))
	if err != nil {
		return State{}, fmt.Errorf("get approval %s: %w", id, err)
	}
	if !found {
		return State{}, ErrNotFound
	}
	return st, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, to Status, decider, editedText string, at time.Time) (State, bool, error) {
	key := s.stateKey(id)

	var (
		result  State
		applied bool
	)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		applied = false
		current, found, err := readState(ctx, tx, key)
		if err != nil {
			return err
		}
		result = current
		if !found || !CanTransition(current.Status, to) {
			return nil
		}

		next := current
		next.apply(to, decider, editedText, at)
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.opts.TTL)
			switch {
			case to == StatusPrompted:
				pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: unixScore(next.DueAt()), Member: id})
			case to.IsTerminal():
				pipe.ZRem(ctx, s.dueKey(), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		applied = true
		return nil
	})
	if err != nil {
		return State{}, false, fmt.Errorf("transition approval %s to %s: %w", id, to, err)
	}
	return result, applied, nil
}

func (s *RedisStore) SweepDue(ctx context.Context, now time.Time) ([]State, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(unixScore(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due approvals: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stateKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load due approvals: %w", err)
	}

	due := make([]State, 0, len(ids))
	stale := make([]any, 0)
	for i, raw := range values {
		text, ok := raw.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(text), &st); err != nil {
			slog.Warn("skipping undecodable approval record", "id", ids[i], "error", err)
			continue
		}
		if st.Status != StatusPrompted {
			stale = append(stale, ids[i])
			continue
		}
		if st.IsDue(now) {
			due = append(due, st)
		}
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.dueKey(), stale...).Err(); err != nil {
			slog.Warn("prune due index failed", "count", len(stale), "error", err)
		}
	}
	return due, nil
}

func (s *RedisStore) AppendActivity(ctx context.Context, tenantID string, entry ActivityEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal activity %s: %w", entry.ID, err)
	}
	key := s.activityKey(tenantID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: unixScore(entry.CreatedAt), Member: encoded})
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.opts.ActivityCap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append activity for %s: %w", tenantID, err)
	}
	return nil
}

func (s *RedisStore) RecentActivity(ctx context.Context, tenantID string, limit int) ([]ActivityEntry, error) {
	limit = s.opts.clampLimit(limit)
	raw, err := s.client.ZRevRange(ctx, s.activityKey(tenantID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity for %s: %w", tenantID, err)
	}

	entries := make([]ActivityEntry, 0, len(raw))
	for _, item := range raw {
		var entry ActivityEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			slog.Warn("skipping undecodable activity entry", "tenant_id", tenantID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// watch runs fn inside an optimistic WATCH transaction, retrying when
// another client modified key between the read and EXEC.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d conflicting transactions", maxTxRetries)
}

func readState(ctx context.Context, c redis.Cmdable, key string) (State, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return st, true, nil
}

func unixScore(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

var _ Store = (*RedisStore)(nil)
