// Package state persists what a previous run converged so the next run can
// tear down resources that have left the plan. Recorded attribute maps are
// the raw declared specs: secret references stay unresolved on disk.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/daveseff/Geppetto/internal/logger"
	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// Entry records one converged resource.
type Entry struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	AppliedAt  time.Time      `json:"applied_at"`
}

// ID returns the identity key the entry is stored under.
func (e Entry) ID() string {
	return e.Type + "." + e.Title
}

// HostState maps resource identity to its recorded entry.
type HostState map[string]Entry

// Document is the full on-disk state, keyed by host name.
type Document map[string]HostState

// Store reads and writes the state file. The file is read once at the start
// of a run and written once at the end.
type Store struct {
	path string
	log  *logger.Logger
}

// NewStore builds a store over path.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load reads the document. A missing file yields an empty document; a
// corrupt one is logged and treated as empty rather than blocking the run.
func (s *Store) Load() (Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Document{}, nil
		}
		return nil, geperrors.NewStateError(s.path, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.WithFields(map[string]any{"path": s.path}).Warn("state file is corrupt, starting from empty state")
		return Document{}, nil
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Save writes the document atomically: a temp file in the same directory is
// renamed over the target so a crash never leaves a half-written state.
func (s *Store) Save(doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return geperrors.NewStateError(s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return geperrors.NewStateError(s.path, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return geperrors.NewStateError(s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return geperrors.NewStateError(s.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return geperrors.NewStateError(s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return geperrors.NewStateError(s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return geperrors.NewStateError(s.path, err)
	}
	return nil
}

// Host returns the state for one host, creating it on first use.
func (d Document) Host(name string) HostState {
	hs, ok := d[name]
	if !ok {
		hs = HostState{}
		d[name] = hs
	}
	return hs
}

// Record stores a converged resource.
func (h HostState) Record(entry Entry) {
	h[entry.ID()] = entry
}

// Forget drops a resource after successful teardown.
func (h HostState) Forget(id string) {
	delete(h, id)
}

// Removed returns entries recorded previously but no longer declared,
// ordered for teardown: dependents come before the entries they depended
// on, so removal unwinds the original apply order. Ties break on identity.
func (h HostState) Removed(current []string) []Entry {
	declared := make(map[string]struct{}, len(current))
	for _, id := range current {
		declared[id] = struct{}{}
	}

	removed := make(map[string]Entry)
	for id, entry := range h {
		if _, ok := declared[id]; !ok {
			removed[id] = entry
		}
	}
	return orderForTeardown(removed)
}

// orderForTeardown topologically sorts the removed set along recorded
// depends_on edges and reverses the result. Edges pointing outside the
// removed set are ignored. A cycle in recorded state cannot normally occur;
// if one does, the remaining entries are appended in identity order so
// teardown still terminates.
func orderForTeardown(removed map[string]Entry) []Entry {
	ids := make([]string, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indegree := make(map[string]int, len(removed))
	dependents := make(map[string][]string, len(removed))
	for _, id := range ids {
		indegree[id] += 0
		for _, dep := range removed[id].DependsOn {
			if _, ok := removed[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	// Kahn's algorithm in dependency-first order.
	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(order) < len(ids) {
		seen := make(map[string]struct{}, len(order))
		for _, id := range order {
			seen[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				order = append(order, id)
			}
		}
	}

	entries := make([]Entry, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		entries = append(entries, removed[order[i]])
	}
	return entries
}
