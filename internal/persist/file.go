package persist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ottohome/ottoengine/internal/rule"
)

// FileStore keeps one descriptor file per rule, named <id>.json, in a
// single directory.
type FileStore struct {
	dir    string
	codec  rule.Codec
	logger *slog.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, codec rule.Codec, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rules directory: %w", err)
	}
	return &FileStore{dir: dir, codec: codec, logger: logger}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// ListRules reads every *.json file in the directory, sorted by name.
// Files that fail to read or parse are logged and skipped.
func (s *FileStore) ListRules(ctx context.Context) ([]*rule.AutomationRule, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read rules directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var rules []*rule.AutomationRule
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Error("failed to read rule file", "file", name, "error", err)
			continue
		}
		r, err := s.codec.DecodeRule(data)
		if err != nil {
			s.logger.Error("failed to parse rule file", "file", name, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (s *FileStore) LoadRule(ctx context.Context, id string) (*rule.AutomationRule, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read rule %s: %w", id, err)
	}
	return s.codec.DecodeRule(data)
}

func (s *FileStore) SaveRule(ctx context.Context, r *rule.AutomationRule) error {
	data, err := s.codec.EncodeRule(r)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", r.ID, err)
	}
	if err := os.WriteFile(s.path(r.ID), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *FileStore) DeleteRule(ctx context.Context, id string) (bool, error) {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete rule %s: %w", id, err)
	}
	return true, nil
}
