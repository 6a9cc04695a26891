package flowstate

import (
	"context"
	"fmt"
	"strings"
)

// Open returns the store described by a location string:
//
//	memory:                  MemoryStore
//	file://<dir>             FileStore rooted at dir (relative paths allowed)
//	sqlite://<path>          SQLiteStore (sqlite://:memory: for a scratch db)
//	redis://host:port/db     RedisStore
//
// A location without a scheme is treated as a file store directory.
func Open(ctx context.Context, location string) (Store, error) {
	if location == "memory:" || location == "memory://" {
		return NewMemoryStore(), nil
	}

	scheme, rest, ok := strings.Cut(location, "://")
	if !ok {
		return NewFileStore(location)
	}

	switch scheme {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(rest)
	case "sqlite":
		if rest == "" {
			return nil, fmt.Errorf("sqlite location %q has no path", location)
		}
		return NewSQLiteStore(rest)
	case "redis", "rediss":
		return OpenRedisStore(ctx, location)
	default:
		return nil, fmt.Errorf("unsupported flow state store scheme %q", scheme)
	}
}
