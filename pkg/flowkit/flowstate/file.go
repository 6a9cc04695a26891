package flowstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per flow under a root directory. Both the
// supervisor and the user's application can point at the same directory,
// which is how a resume issued later from the CLI sees state written by the
// application.
type FileStore struct {
	root   string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates the root directory if needed and returns a store
// rooted there.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create flow state directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory the store writes to.
func (f *FileStore) Root() string {
	return f.root
}

func validateFlowID(flowID string) error {
	if flowID == "" {
		return errors.New("flow id cannot be empty")
	}
	if strings.Contains(flowID, "..") || strings.ContainsAny(flowID, `/\`) {
		return fmt.Errorf("flow id %q contains invalid characters", flowID)
	}
	return nil
}

func (f *FileStore) path(flowID string) string {
	return filepath.Join(f.root, flowID+".json")
}

// Save implements Store. Writes go to a temp file first and are renamed into
// place so a reader never observes a partial record.
func (f *FileStore) Save(_ context.Context, flowID string, state *FlowState) error {
	if err := validateFlowID(flowID); err != nil {
		return err
	}
	data, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("marshal flow state %s: %w", flowID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	tmp, err := os.CreateTemp(f.root, "."+flowID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", flowID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write flow state %s: %w", flowID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close flow state %s: %w", flowID, err)
	}
	if err := os.Rename(tmpName, f.path(flowID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename flow state %s: %w", flowID, err)
	}
	return nil
}

// Load implements Store. An id that could never have been saved is not
// found.
func (f *FileStore) Load(_ context.Context, flowID string) (*FlowState, error) {
	if err := validateFlowID(flowID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(f.path(flowID)) // #nosec G304 -- flowID is validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read flow state %s: %w", flowID, err)
	}

	state, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode flow state %s: %w", flowID, err)
	}
	return state, nil
}

// List implements Store. Unreadable files are skipped.
func (f *FileStore) List(_ context.Context, query *Query) (*QueryResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("read flow state directory: %w", err)
	}

	states := make([]*FlowState, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.root, name)) // #nosec G304 -- listing our own root
		if err != nil {
			continue
		}
		state, err := Unmarshal(data)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return paginate(states, query)
}

// Close implements Store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
