package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
)

var benchTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// largeState builds a done flow state with a realistic step cache.
func largeState(flowID string, steps int) *flowstate.FlowState {
	s := flowstate.New(flowID, "bench", json.RawMessage(`{"query":"douglas adams","limit":50}`), benchTime)
	for i := 0; i < steps; i++ {
		s.Cache[fmt.Sprintf("step-%03d", i)] = flowstate.ValueResult(json.RawMessage(
			fmt.Sprintf(`{"index":%d,"text":"result of step %d","tags":["a","b","c"]}`, i, i)))
	}
	s.AddTraceID("0af7651916cd43dd8448eb211c80319c")
	s.Complete(json.RawMessage(`42`))
	s.EndExecution(benchTime.Add(time.Second))
	return s
}

func memoryStore(b *testing.B) flowstate.Store {
	return flowstate.NewMemoryStore()
}

func fileStore(b *testing.B) flowstate.Store {
	store, err := flowstate.NewFileStore(filepath.Join(b.TempDir(), "state"))
	if err != nil {
		b.Fatal(err)
	}
	return store
}

func sqliteStore(b *testing.B) flowstate.Store {
	store, err := flowstate.NewSQLiteStore(filepath.Join(b.TempDir(), "state.db"))
	if err != nil {
		b.Fatal(err)
	}
	return store
}

func redisStore(b *testing.B) flowstate.Store {
	mr := miniredis.RunT(b)
	return flowstate.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "bench")
}

var stores = []struct {
	name string
	open func(*testing.B) flowstate.Store
}{
	{"memory", memoryStore},
	{"file", fileStore},
	{"sqlite", sqliteStore},
	{"redis", redisStore},
}

// BenchmarkStore_Save measures saving a flow state with 20 cached steps.
func BenchmarkStore_Save(b *testing.B) {
	ctx := context.Background()
	for _, tc := range stores {
		b.Run(tc.name, func(b *testing.B) {
			store := tc.open(b)
			defer store.Close()
			state := largeState("flow-1", 20)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := store.Save(ctx, fmt.Sprintf("flow-%d", i%100), state); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkStore_Load measures loading a flow state with 20 cached steps.
func BenchmarkStore_Load(b *testing.B) {
	ctx := context.Background()
	for _, tc := range stores {
		b.Run(tc.name, func(b *testing.B) {
			store := tc.open(b)
			defer store.Close()
			if err := store.Save(ctx, "flow-1", largeState("flow-1", 20)); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := store.Load(ctx, "flow-1"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkStore_List measures listing the first page of 200 executions.
func BenchmarkStore_List(b *testing.B) {
	ctx := context.Background()
	for _, tc := range stores {
		b.Run(tc.name, func(b *testing.B) {
			store := tc.open(b)
			defer store.Close()
			for i := 0; i < 200; i++ {
				s := largeState(fmt.Sprintf("flow-%03d", i), 2)
				s.StartTime = benchTime.Add(time.Duration(i) * time.Second)
				if err := store.Save(ctx, s.FlowID, s); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := store.List(ctx, &flowstate.Query{FlowName: "bench", Limit: 20}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkMarshal measures encoding a flow state to its wire format.
func BenchmarkMarshal(b *testing.B) {
	state := largeState("flow-1", 50)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := state.Marshal(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkUnmarshal measures decoding a flow state from its wire format.
func BenchmarkUnmarshal(b *testing.B) {
	data, err := largeState("flow-1", 50).Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := flowstate.Unmarshal(data); err != nil {
			b.Fatal(err)
		}
	}
}
