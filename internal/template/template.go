// Package template renders variable references in plan strings and file
// content. Two notations are supported: shell-style ${var} for inline
// attribute values, and Go text/template for file content templates.
package template

import (
	"bytes"
	"fmt"
	"strings"
	texttemplate "text/template"
)

// Expand substitutes ${name} and $name references in s from vars. An
// unknown variable is an error rather than a silent empty string, so a
// typo in a plan fails loudly.
func Expand(s string, vars map[string]any) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var missing []string
	expanded := expandDollars(s, func(name string) (string, bool) {
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return "", false
		}
		return fmt.Sprint(value), true
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable %q", missing[0])
	}
	return expanded, nil
}

// expandDollars walks s replacing $name and ${name}. "$$" escapes a
// literal dollar. Lookup misses leave the reference in place so the caller
// can report them.
func expandDollars(s string, lookup func(string) (string, bool)) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' {
			out.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '$' {
			out.WriteByte('$')
			i++
			continue
		}

		name, width := parseRef(s[i+1:])
		if name == "" {
			out.WriteByte('$')
			continue
		}
		if value, ok := lookup(name); ok {
			out.WriteString(value)
		} else {
			out.WriteString(s[i : i+1+width])
		}
		i += width
	}
	return out.String()
}

func parseRef(s string) (name string, width int) {
	if len(s) == 0 {
		return "", 0
	}
	if s[0] == '{' {
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return "", 0
		}
		return s[1:end], end + 1
	}
	end := 0
	for end < len(s) && isNameByte(s[end]) {
		end++
	}
	return s[:end], end
}

func isNameByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// ExpandAttrs applies Expand to every string value in an attribute map,
// recursing into nested maps and lists. The input is not modified.
func ExpandAttrs(attrs map[string]any, vars map[string]any) (map[string]any, error) {
	expanded, err := expandValue(attrs, vars)
	if err != nil {
		return nil, err
	}
	return expanded.(map[string]any), nil
}

// ExpandValue applies Expand to a single value of any shape: strings are
// expanded, maps and lists recursed, everything else passes through.
func ExpandValue(value any, vars map[string]any) (any, error) {
	return expandValue(value, vars)
}

func expandValue(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return Expand(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			expanded, err := expandValue(inner, vars)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			expanded, err := expandValue(inner, vars)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderContent renders file content. Content containing template actions
// goes through text/template with vars as the dot value; plain content is
// returned as-is so arbitrary files are not mangled.
func RenderContent(name string, content []byte, vars map[string]any) ([]byte, error) {
	if !bytes.Contains(content, []byte("{{")) {
		return content, nil
	}

	tmpl, err := texttemplate.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
