package flowstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "flowkit:flowstate"

// RedisStore persists flow states in Redis. Each state is a string value;
// sorted sets keyed by start time index all states and states per flow name.
type RedisStore struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewRedisStore wraps an existing client. The store owns the client and
// closes it on Close.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore connects using a redis:// URL and verifies the connection.
func OpenRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

func (r *RedisStore) stateKey(flowID string) string {
	return r.prefix + ":state:" + flowID
}

func (r *RedisStore) indexKey(flowName string) string {
	if flowName == "" {
		return r.prefix + ":index"
	}
	return r.prefix + ":index:" + flowName
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, flowID string, state *FlowState) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}
	data, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("marshal flow state %s: %w", flowID, err)
	}

	score := float64(state.StartTime.UnixMicro())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.stateKey(flowID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(""), redis.Z{Score: score, Member: flowID})
		pipe.ZAdd(ctx, r.indexKey(state.Name), redis.Z{Score: score, Member: flowID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	return nil
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, flowID string) (*FlowState, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed
	}
	data, err := r.client.Get(ctx, r.stateKey(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow state: %w", err)
	}
	return Unmarshal(data)
}

// List implements Store. Ordering and paging use the sorted-set index.
func (r *RedisStore) List(ctx context.Context, query *Query) (*QueryResponse, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed
	}
	if query == nil {
		query = &Query{}
	}
	offset, err := parseToken(query.ContinuationToken)
	if err != nil {
		return nil, err
	}

	start := int64(offset)
	stop := int64(-1)
	if query.Limit > 0 {
		// One extra member tells us whether another page exists
		stop = start + int64(query.Limit)
	}

	key := r.indexKey(query.FlowName)
	var ids []string
	if query.Oldest {
		ids, err = r.client.ZRange(ctx, key, start, stop).Result()
	} else {
		ids, err = r.client.ZRevRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list flow states: %w", err)
	}

	resp := &QueryResponse{}
	if query.Limit > 0 && len(ids) > query.Limit {
		ids = ids[:query.Limit]
		resp.ContinuationToken = strconv.Itoa(offset + query.Limit)
	}
	if len(ids) == 0 {
		return resp, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.stateKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch flow states: %w", err)
	}

	resp.FlowStates = make([]*FlowState, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Index entry without a record
			continue
		}
		state, err := Unmarshal([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("decode flow state %s: %w", ids[i], err)
		}
		resp.FlowStates = append(resp.FlowStates, state)
	}
	return resp, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}
