package inventory

import (
	"errors"
	"fmt"

	"github.com/pelletier/go-toml/v2"

	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// tomlDocument mirrors the flat table-of-tables plan format. Resources decode
// into raw maps so arbitrary operation attributes survive alongside the
// reserved keys.
type tomlDocument struct {
	Includes []string            `toml:"includes"`
	Nodes    map[string]tomlNode `toml:"nodes"`
	Tasks    []tomlTask          `toml:"tasks"`
}

type tomlNode struct {
	Connection string         `toml:"connection"`
	Address    string         `toml:"address"`
	Variables  map[string]any `toml:"variables"`
}

type tomlTask struct {
	Name      string           `toml:"name"`
	Hosts     []string         `toml:"hosts"`
	Resources []map[string]any `toml:"resources"`
}

func parseTOML(src []byte, path string) (*fileFragment, error) {
	var doc tomlDocument
	if err := toml.Unmarshal(src, &doc); err != nil {
		return nil, geperrors.NewParseError(path, tomlErrorLine(err), err)
	}

	frag := &fileFragment{}
	for _, include := range doc.Includes {
		frag.includes = append(frag.includes, includeDirective{path: include})
	}

	for name, raw := range doc.Nodes {
		node := &Node{
			Name:       name,
			Connection: raw.Connection,
			Address:    raw.Address,
			Variables:  raw.Variables,
		}
		if node.Connection == "" {
			node.Connection = ConnectionLocal
		}
		if node.Variables == nil {
			node.Variables = map[string]any{}
		}
		frag.nodes = append(frag.nodes, node)
	}

	for i, rawTask := range doc.Tasks {
		task := &Task{Name: rawTask.Name, Hosts: rawTask.Hosts}
		if task.Name == "" {
			task.Name = fmt.Sprintf("task-%d", i+1)
		}
		for j, rawRes := range rawTask.Resources {
			res, err := resourceFromMap(rawRes, path)
			if err != nil {
				return nil, geperrors.NewParseError(path, 0,
					fmt.Errorf("task %q resource %d: %w", task.Name, j+1, err))
			}
			task.Resources = append(task.Resources, res)
		}
		frag.tasks = append(frag.tasks, task)
	}
	return frag, nil
}

func resourceFromMap(raw map[string]any, path string) (*Resource, error) {
	res := &Resource{Attributes: map[string]any{}, File: path}

	for key, value := range raw {
		switch key {
		case "type":
			res.Type = fmt.Sprint(value)
		case "title", "name":
			if res.Title == "" {
				res.Title = fmt.Sprint(value)
			}
			if key == "name" {
				res.Attributes["name"] = value
			}
		case attrDependsOn:
			res.DependsOn = append(res.DependsOn, toStringList(value)...)
		case attrOnSuccess, attrOnFailure:
			nested, err := nestedResources(value, path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if key == attrOnSuccess {
				res.OnSuccess = nested
			} else {
				res.OnFailure = nested
			}
		default:
			res.Attributes[key] = value
		}
	}

	if res.Type == "" {
		return nil, errors.New("missing type")
	}
	if res.Title == "" {
		if pkgs, ok := raw["packages"]; ok && res.Type == "package" {
			res.Title = packageTitle(toStringList(pkgs))
		} else {
			return nil, errors.New("missing title")
		}
	}
	return res, nil
}

func nestedResources(value any, path string) ([]*Resource, error) {
	var out []*Resource
	appendOne := func(item any) error {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a table, found %T", item)
		}
		res, err := resourceFromMap(m, path)
		if err != nil {
			return err
		}
		out = append(out, res)
		return nil
	}

	switch v := value.(type) {
	case []map[string]any:
		for _, item := range v {
			if err := appendOne(item); err != nil {
				return nil, err
			}
		}
	case []any:
		for _, item := range v {
			if err := appendOne(item); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("expected an array of tables, found %T", value)
	}
	return out, nil
}

func tomlErrorLine(err error) int {
	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		row, _ := decodeErr.Position()
		return row
	}
	return 0
}
