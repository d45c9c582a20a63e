package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/daveseff/Geppetto/internal/logger"
	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// Loader reads plan files, resolves includes, and assembles the in-memory
// Plan. Includes are resolved relative to the directory of the including
// file, depth first, with cycle detection over resolved paths.
type Loader struct {
	log *logger.Logger
}

// NewLoader constructs a Loader.
func NewLoader(log *logger.Logger) *Loader {
	return &Loader{log: log}
}

// Load parses the plan rooted at path and returns the merged Plan.
func (l *Loader) Load(path string) (*Plan, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, geperrors.NewParseError(path, 0, err)
	}

	frag, err := l.loadFragment(abs, map[string]bool{})
	if err != nil {
		return nil, err
	}

	return l.assemble(frag, abs)
}

func (l *Loader) loadFragment(path string, visited map[string]bool) (*fileFragment, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	if visited[resolved] {
		return nil, geperrors.NewParseError(path, 0, fmt.Errorf("include cycle detected"))
	}
	visited[resolved] = true

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, geperrors.NewParseError(path, 0, err)
	}

	frag, err := l.parseBySuffix(src, path)
	if err != nil {
		return nil, err
	}

	// Included declarations merge ahead of the including file's own, in
	// directive order.
	merged := &fileFragment{}
	baseDir := filepath.Dir(path)
	for _, include := range frag.includes {
		target := include.path
		if !filepath.IsAbs(target) {
			target = filepath.Join(baseDir, target)
		}
		child, err := l.loadFragment(target, visited)
		if err != nil {
			return nil, err
		}
		merged.nodes = append(merged.nodes, child.nodes...)
		merged.tasks = append(merged.tasks, child.tasks...)
	}
	merged.nodes = append(merged.nodes, frag.nodes...)
	merged.tasks = append(merged.tasks, frag.tasks...)
	return merged, nil
}

func (l *Loader) parseBySuffix(src []byte, path string) (*fileFragment, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return parseTOML(src, path)
	case ".gpp", ".pp", ".fops":
		return parseSource(string(src), path)
	default:
		frag, dslErr := parseSource(string(src), path)
		if dslErr == nil {
			return frag, nil
		}
		if frag, tomlErr := parseTOML(src, path); tomlErr == nil {
			return frag, nil
		}
		return nil, dslErr
	}
}

func (l *Loader) assemble(frag *fileFragment, rootPath string) (*Plan, error) {
	plan := &Plan{
		Hosts: map[string]*Node{},
		Path:  rootPath,
		Dir:   filepath.Dir(rootPath),
	}

	for _, node := range frag.nodes {
		if !validConnection(node.Connection) {
			return nil, geperrors.NewValidationError(
				"node."+node.Name,
				fmt.Sprintf("unknown connection kind %q", node.Connection), nil)
		}
		if existing, ok := plan.Hosts[node.Name]; ok {
			mergeNode(existing, node)
			continue
		}
		plan.Hosts[node.Name] = node
	}
	if len(plan.Hosts) == 0 {
		plan.Hosts[ConnectionLocal] = &Node{
			Name:       ConnectionLocal,
			Connection: ConnectionLocal,
			Variables:  map[string]any{},
		}
	}

	for _, task := range frag.tasks {
		if len(task.Hosts) == 0 {
			// Sorted so reruns target hosts in the same order.
			for name := range plan.Hosts {
				task.Hosts = append(task.Hosts, name)
			}
			sort.Strings(task.Hosts)
		}
		for _, host := range task.Hosts {
			if _, ok := plan.Hosts[host]; !ok {
				return nil, geperrors.NewValidationError(
					"task."+task.Name,
					fmt.Sprintf("references undeclared host %q", host), nil)
			}
		}
		if err := checkIdentities(task); err != nil {
			return nil, err
		}
		for _, res := range task.Resources {
			if err := res.Normalize(); err != nil {
				return nil, err
			}
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	l.log.WithFields(map[string]any{
		"plan":  rootPath,
		"hosts": len(plan.Hosts),
		"tasks": len(plan.Tasks),
	}).Debug("plan assembled")
	return plan, nil
}

// checkIdentities rejects duplicate type.title pairs within one task's
// resolved resource set.
func checkIdentities(task *Task) error {
	seen := make(map[string]*Resource, len(task.Resources))
	for _, res := range task.Resources {
		id := res.ID()
		if prior, ok := seen[id]; ok {
			return geperrors.NewParseError(res.File, res.Line,
				fmt.Errorf("duplicate resource identity %q in task %q (first declared at %s:%d)",
					id, task.Name, prior.File, prior.Line))
		}
		seen[id] = res
	}
	return nil
}
