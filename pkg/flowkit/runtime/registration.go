package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/randalmurphal/flowkit/pkg/flowkit/config"
)

// Runtime describes a live instance of the user's application that can run
// flows. It is also the content of a registration file.
type Runtime struct {
	ID            string    `json:"id" validate:"required,excludesall=/\\"`
	PID           int       `json:"pid" validate:"gte=0"`
	ReflectionURL string    `json:"reflectionServerUrl" validate:"required,url"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	ProjectName   string    `json:"projectName,omitempty"`
	Version       string    `json:"version,omitempty"`
}

// Validate checks the registration fields.
func (r Runtime) Validate() error {
	err := config.Validator().Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid runtime registration: %s", strings.Join(msgs, "; "))
}

// RegistrationPath is where a runtime with the given id registers in dir.
func RegistrationPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

// ReadRegistration reads and validates a registration file.
func ReadRegistration(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, err
	}
	var rt Runtime
	if err := json.Unmarshal(data, &rt); err != nil {
		return Runtime{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := rt.Validate(); err != nil {
		return Runtime{}, fmt.Errorf("%s: %w", path, err)
	}
	return rt, nil
}

// WriteRegistration writes rt to dir, creating dir if needed, and returns
// the file path. The file appears atomically so a watcher never reads a
// partial registration.
func WriteRegistration(dir string, rt Runtime) (string, error) {
	if err := rt.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create runtimes dir: %w", err)
	}
	data, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, "."+rt.ID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp registration: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write registration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close registration: %w", err)
	}
	path := RegistrationPath(dir, rt.ID)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename registration: %w", err)
	}
	return path, nil
}

// isRegistrationFile reports whether a directory entry looks like a
// registration rather than a temp file or something unrelated.
func isRegistrationFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
