package receipt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AuditArchive stores the logs written by maintenance jobs
type AuditArchive interface {
	// Save writes a log and returns its name
	Save(name string, data []byte) (string, error)

	// Get retrieves a log by name
	Get(name string) ([]byte, error)

	// List returns the names of all saved logs, newest first
	List() ([]string, error)
}

// LocalArchive implements AuditArchive on the local filesystem
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates a new LocalArchive, creating basePath if needed
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

// path resolves name inside the archive, rejecting anything that would
// escape it
func (l *LocalArchive) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid audit log name %q: %w", name, ErrInvalidInput)
	}
	return filepath.Join(l.basePath, name), nil
}

// Save writes a log to the archive
func (l *LocalArchive) Save(name string, data []byte) (string, error) {
	path, err := l.path(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing audit log: %w", err)
	}
	return name, nil
}

// Get retrieves a log from the archive
func (l *LocalArchive) Get(name string) ([]byte, error) {
	path, err := l.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("audit log %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return data, nil
}

// List returns the archived log names, newest first
func (l *LocalArchive) List() ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("listing audit logs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	// Names end in a sortable timestamp
	sort.Slice(names, func(i, j int) bool { return auditStamp(names[i]) > auditStamp(names[j]) })
	return names, nil
}

// auditStamp is the timestamp part of a "<job>-<stamp>.log" name
func auditStamp(name string) string {
	name = strings.TrimSuffix(name, ".log")
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}
