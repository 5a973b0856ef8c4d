package backlog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"drover/pkg/logx"
	"drover/pkg/utils"
)

// Store reads and writes the backlog file. Load rereads from disk on every
// call: the file is mutated out of band by the external agent's own work and
// by control commands, so cached copies go stale within one iteration.
type Store struct {
	path   string
	logger *logx.Logger
}

func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: logx.NewLogger("backlog"),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the backlog fresh from disk. An unreadable or unparseable file
// is an error the caller treats as fatal; questionable-but-usable content
// (unknown dependency references) is logged and tolerated.
func (s *Store) Load() (*Backlog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog %s: %w", s.path, err)
	}

	var b Backlog
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse backlog %s: %w", s.path, err)
	}

	if err := s.validate(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Save writes the backlog back with the same atomic-replace discipline the
// mailbox uses, so a concurrent reader never sees a torn file.
func (s *Store) Save(b *Backlog) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal backlog: %w", err)
	}
	if err := utils.AtomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write backlog %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) validate(b *Backlog) error {
	if len(b.Items) == 0 {
		return fmt.Errorf("backlog %s contains no items", s.path)
	}

	seen := make(map[string]bool, len(b.Items))
	for i := range b.Items {
		item := &b.Items[i]
		if item.ID == "" {
			return fmt.Errorf("backlog %s: item %d has an empty id", s.path, i+1)
		}
		if seen[item.ID] {
			return fmt.Errorf("backlog %s: duplicate item id %q", s.path, item.ID)
		}
		seen[item.ID] = true
	}

	// Unknown dependencies block their item but never the run.
	for i := range b.Items {
		for _, dep := range b.Items[i].DependsOn {
			if !seen[dep] {
				s.logger.Warn("Item %s depends on unknown item %q", b.Items[i].ID, dep)
			}
		}
	}
	return nil
}
