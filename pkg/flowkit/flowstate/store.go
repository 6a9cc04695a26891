// Package flowstate defines the persisted record of a flow execution and the
// store contract flowkit persists it through.
package flowstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Store persists flow states.
// Implementations must be safe for concurrent use.
//
// Save is the only mutation primitive and performs no merging: callers
// compute the full next state (see Commit) before saving. Callers must also
// keep at most one dispatch or resume in flight per flow id; stores do not
// lock records.
type Store interface {
	// List returns states matching the query, most recent first unless
	// the query asks for oldest first. A nil query lists everything.
	List(ctx context.Context, query *Query) (*QueryResponse, error)

	// Load retrieves one state.
	// Returns ErrNotFound if no state exists for flowID.
	Load(ctx context.Context, flowID string) (*FlowState, error)

	// Save upserts a state. Saving the same state twice is a no-op.
	Save(ctx context.Context, flowID string, state *FlowState) error

	// Close releases any resources (connections, files).
	Close() error
}

// Query filters and pages List results.
type Query struct {
	// FlowName restricts results to one flow definition. Empty matches all.
	FlowName string

	// Limit caps the page size. Zero means no limit.
	Limit int

	// ContinuationToken resumes a previous listing.
	ContinuationToken string

	// Oldest lists oldest first instead of most recent first.
	Oldest bool
}

// QueryResponse is one page of List results.
type QueryResponse struct {
	FlowStates []*FlowState

	// ContinuationToken is empty on the last page.
	ContinuationToken string
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no state exists for the flow id.
	ErrNotFound = errors.New("flow state not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("flow state store closed")

	// ErrInvalidToken indicates a malformed continuation token.
	ErrInvalidToken = errors.New("invalid continuation token")
)

// paginate sorts, filters and pages states in memory. Used by stores that
// cannot push the query down to their backend.
func paginate(states []*FlowState, q *Query) (*QueryResponse, error) {
	if q == nil {
		q = &Query{}
	}

	filtered := make([]*FlowState, 0, len(states))
	for _, s := range states {
		if q.FlowName == "" || s.Name == q.FlowName {
			filtered = append(filtered, s)
		}
	}

	sortStates(filtered, q.Oldest)

	offset, err := parseToken(q.ContinuationToken)
	if err != nil {
		return nil, err
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]

	resp := &QueryResponse{}
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
		resp.ContinuationToken = strconv.Itoa(offset + q.Limit)
	}
	resp.FlowStates = filtered
	return resp, nil
}

// sortStates orders by start time, breaking ties on flow id so paging is
// stable.
func sortStates(states []*FlowState, oldest bool) {
	sort.SliceStable(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if !a.StartTime.Equal(b.StartTime) {
			if oldest {
				return a.StartTime.Before(b.StartTime)
			}
			return a.StartTime.After(b.StartTime)
		}
		if oldest {
			return a.FlowID < b.FlowID
		}
		return a.FlowID > b.FlowID
	})
}

func parseToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return n, nil
}
