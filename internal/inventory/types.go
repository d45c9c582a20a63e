package inventory

import (
	"fmt"
	"strings"
)

// Connection kinds supported by a Node declaration. Only local has an
// executor implementation today; agent and server are reserved.
const (
	ConnectionLocal  = "local"
	ConnectionAgent  = "agent"
	ConnectionServer = "server"
)

// Node is a named host target. Immutable during a run.
type Node struct {
	Name       string
	Connection string
	Address    string
	Variables  map[string]any
}

// Task is a named unit of work bound to one or more nodes, owning an
// ordered sequence of resource declarations.
type Task struct {
	Name      string
	Hosts     []string
	Resources []*Resource
}

// Resource is the atomic unit of desired state. Guard attributes and
// dependency references are lifted out of Attributes during normalization so
// the engine can evaluate them uniformly; operations never see them.
type Resource struct {
	Type       string
	Title      string
	Attributes map[string]any
	DependsOn  []string
	OnSuccess  []*Resource
	OnFailure  []*Resource

	// Variables overlay the host's variables for this resource only.
	Variables map[string]any

	// Guards. OnlyIf and Unless hold a shell command string or argv list.
	Creates string
	OnlyIf  any
	Unless  any

	// Source position for diagnostics.
	File string
	Line int
}

// ID returns the stable identity used for depends_on references and state
// store keys.
func (r *Resource) ID() string {
	return r.Type + "." + r.Title
}

// Plan is the fully resolved, include-merged description of one run.
type Plan struct {
	Hosts map[string]*Node
	Tasks []*Task

	// Path and Dir locate the root plan file; Dir anchors relative template
	// references inside resources.
	Path string
	Dir  string
}

// Host looks up a node by name.
func (p *Plan) Host(name string) (*Node, bool) {
	node, ok := p.Hosts[name]
	return node, ok
}

// ResourceIdentities returns the identity set of every top-level resource
// declared for the given host, in declaration order.
func (p *Plan) ResourceIdentities(host string) []string {
	var ids []string
	for _, task := range p.Tasks {
		if !taskTargets(task, host) {
			continue
		}
		for _, res := range task.Resources {
			ids = append(ids, res.ID())
		}
	}
	return ids
}

func taskTargets(task *Task, host string) bool {
	for _, h := range task.Hosts {
		if h == host {
			return true
		}
	}
	return false
}

// mergeNode overlays later declarations onto an existing node, last write
// wins per attribute.
func mergeNode(dst, src *Node) {
	if src.Connection != "" {
		dst.Connection = src.Connection
	}
	if src.Address != "" {
		dst.Address = src.Address
	}
	if len(src.Variables) > 0 {
		if dst.Variables == nil {
			dst.Variables = make(map[string]any, len(src.Variables))
		}
		for k, v := range src.Variables {
			dst.Variables[k] = v
		}
	}
}

func validConnection(kind string) bool {
	switch kind {
	case ConnectionLocal, ConnectionAgent, ConnectionServer:
		return true
	}
	return false
}

// reserved resource attribute keys handled by the assembler and engine.
const (
	attrDependsOn = "depends_on"
	attrOnSuccess = "on_success"
	attrOnFailure = "on_failure"
	attrCreates   = "creates"
	attrOnlyIf    = "only_if"
	attrUnless    = "unless"
	attrEnsure    = "ensure"
	attrState     = "state"
	attrVariables = "variables"
)

// Normalize lifts reserved keys out of the raw attribute map and applies the
// aliases inherited from the DSL (ensure -> state, file title -> path). The
// loader normalizes every declared resource; the engine normalizes the
// synthetic resources it builds for teardown.
func (r *Resource) Normalize() error {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}

	if v, ok := r.Attributes[attrEnsure]; ok {
		if _, exists := r.Attributes[attrState]; !exists {
			r.Attributes[attrState] = v
		}
		delete(r.Attributes, attrEnsure)
	}

	if v, ok := r.Attributes[attrVariables]; ok {
		vars, isMap := v.(map[string]any)
		if !isMap {
			return fmt.Errorf("%s: variables must be a map", r.ID())
		}
		r.Variables = vars
		delete(r.Attributes, attrVariables)
	}

	if v, ok := r.Attributes[attrCreates]; ok {
		r.Creates = fmt.Sprint(v)
		delete(r.Attributes, attrCreates)
	}
	if v, ok := r.Attributes[attrOnlyIf]; ok {
		r.OnlyIf = v
		delete(r.Attributes, attrOnlyIf)
	}
	if v, ok := r.Attributes[attrUnless]; ok {
		r.Unless = v
		delete(r.Attributes, attrUnless)
	}

	if _, ok := r.Attributes["name"]; !ok {
		r.Attributes["name"] = r.Title
	}
	if r.Type == "file" {
		if _, ok := r.Attributes["path"]; !ok {
			r.Attributes["path"] = r.Title
		}
	}

	for _, nested := range r.OnSuccess {
		if err := nested.Normalize(); err != nil {
			return err
		}
	}
	for _, nested := range r.OnFailure {
		if err := nested.Normalize(); err != nil {
			return err
		}
	}
	return nil
}

// packageTitle renders a list title as the compound identity used for
// package resources declared with multiple names.
func packageTitle(items []string) string {
	return strings.Join(items, ",")
}
