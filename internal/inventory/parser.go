package inventory

import (
	"fmt"

	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// fileFragment is the parse result of one DSL source file, before include
// resolution and merging.
type fileFragment struct {
	nodes    []*Node
	tasks    []*Task
	includes []includeDirective
}

type includeDirective struct {
	path string
	line int
}

// parser consumes the token stream produced by the lexer. It is a plain
// recursive-descent parser over the Puppet-like resource grammar.
type parser struct {
	path   string
	tokens []token
	index  int
}

func parseSource(src, path string) (*fileFragment, error) {
	toks, err := newLexer(src).tokens()
	if err != nil {
		return nil, geperrors.NewParseError(path, lexErrorLine(err), err)
	}

	p := &parser{path: path, tokens: toks}
	return p.parseFile()
}

// lexErrorLine is best effort; the lexer formats "line N: ..." messages.
func lexErrorLine(err error) int {
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "line %d:", &line); scanErr != nil {
		return 0
	}
	return line
}

func (p *parser) parseFile() (*fileFragment, error) {
	frag := &fileFragment{}
	for !p.check(tokenEOF) {
		switch {
		case p.checkIdent("node"):
			node, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			frag.nodes = append(frag.nodes, node)
		case p.checkIdent("task"):
			task, err := p.parseTask()
			if err != nil {
				return nil, err
			}
			frag.tasks = append(frag.tasks, task)
		case p.checkIdent("include"):
			tok := p.advance()
			pathTok, err := p.consume(tokenString)
			if err != nil {
				return nil, err
			}
			frag.includes = append(frag.includes, includeDirective{path: pathTok.value, line: tok.line})
		default:
			tok := p.peek()
			return nil, p.errorf(tok.line, "unexpected token %q", tok.value)
		}
	}
	return frag, nil
}

func (p *parser) parseNode() (*Node, error) {
	p.advance() // node keyword
	name, err := p.parseStringLike()
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(tokenLBrace); err != nil {
		return nil, err
	}
	attrs, err := p.parseAttributes()
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(tokenRBrace); err != nil {
		return nil, err
	}

	node := &Node{Name: name, Connection: ConnectionLocal, Variables: map[string]any{}}
	for key, value := range attrs {
		switch key {
		case "connection":
			node.Connection = fmt.Sprint(value)
		case "address":
			node.Address = fmt.Sprint(value)
		case "variables":
			vars, ok := value.(map[string]any)
			if !ok {
				return nil, p.errorf(p.peek().line, "node %q: variables attribute must be a map", name)
			}
			for k, v := range vars {
				node.Variables[k] = v
			}
		default:
			node.Variables[key] = value
		}
	}
	return node, nil
}

func (p *parser) parseTask() (*Task, error) {
	p.advance() // task keyword
	name, err := p.parseStringLike()
	if err != nil {
		return nil, err
	}
	if err := p.consumeIdent("on"); err != nil {
		return nil, err
	}
	hosts, err := p.parseHostList()
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(tokenLBrace); err != nil {
		return nil, err
	}

	task := &Task{Name: name, Hosts: hosts}
	for !p.check(tokenRBrace) {
		res, err := p.parseResource()
		if err != nil {
			return nil, err
		}
		task.Resources = append(task.Resources, res)
	}
	p.advance() // closing brace
	return task, nil
}

func (p *parser) parseResource() (*Resource, error) {
	typeTok, err := p.consume(tokenIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(tokenLBrace); err != nil {
		return nil, err
	}
	title, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(tokenColon); err != nil {
		return nil, err
	}

	res := &Resource{
		Type:       typeTok.value,
		Attributes: map[string]any{},
		File:       p.path,
		Line:       typeTok.line,
	}

	switch t := title.(type) {
	case []any:
		if res.Type != "package" {
			return nil, p.errorf(typeTok.line, "only package resources accept list titles")
		}
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, fmt.Sprint(item))
		}
		res.Title = packageTitle(items)
		res.Attributes["packages"] = items
	default:
		res.Title = fmt.Sprint(t)
	}

	for !p.check(tokenRBrace) {
		keyTok, err := p.consume(tokenIdent)
		if err != nil {
			return nil, err
		}

		if p.check(tokenLBrace) {
			nested, err := p.parseBranch(keyTok)
			if err != nil {
				return nil, err
			}
			switch keyTok.value {
			case attrOnSuccess:
				res.OnSuccess = append(res.OnSuccess, nested...)
			case attrOnFailure:
				res.OnFailure = append(res.OnFailure, nested...)
			}
			continue
		}

		if _, err := p.consume(tokenArrow); err != nil {
			return nil, err
		}
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if keyTok.value == attrDependsOn {
			res.DependsOn = append(res.DependsOn, toStringList(value)...)
			continue
		}
		res.Attributes[keyTok.value] = value
	}
	p.advance() // closing brace
	return res, nil
}

// parseBranch parses an on_success/on_failure block, which reuses the
// resource grammar recursively.
func (p *parser) parseBranch(keyTok token) ([]*Resource, error) {
	if keyTok.value != attrOnSuccess && keyTok.value != attrOnFailure {
		return nil, p.errorf(keyTok.line, "unexpected block %q; only on_success and on_failure blocks are allowed", keyTok.value)
	}
	p.advance() // opening brace
	var nested []*Resource
	for !p.check(tokenRBrace) {
		res, err := p.parseResource()
		if err != nil {
			return nil, err
		}
		nested = append(nested, res)
	}
	p.advance() // closing brace
	return nested, nil
}

func (p *parser) parseHostList() ([]string, error) {
	if p.check(tokenLBracket) {
		p.advance()
		var hosts []string
		for !p.check(tokenRBracket) {
			host, err := p.parseStringLike()
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, host)
			if p.check(tokenComma) {
				p.advance()
			}
		}
		p.advance() // closing bracket
		return hosts, nil
	}
	host, err := p.parseStringLike()
	if err != nil {
		return nil, err
	}
	return []string{host}, nil
}

func (p *parser) parseAttributes() (map[string]any, error) {
	attrs := map[string]any{}
	for !p.check(tokenRBrace) {
		keyTok, err := p.consume(tokenIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.consume(tokenArrow); err != nil {
			return nil, err
		}
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		attrs[keyTok.value] = value
	}
	return attrs, nil
}

func (p *parser) parseValue() (any, error) {
	tok := p.peek()
	switch tok.typ {
	case tokenString:
		p.advance()
		return tok.value, nil
	case tokenIdent:
		p.advance()
		switch tok.value {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		}
		return tok.value, nil
	case tokenLBracket:
		return p.parseList()
	case tokenLBrace:
		return p.parseMap()
	}
	return nil, p.errorf(tok.line, "unexpected value token %q", tok.value)
}

func (p *parser) parseList() ([]any, error) {
	p.advance() // opening bracket
	var values []any
	for !p.check(tokenRBracket) {
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, value)
		if p.check(tokenComma) {
			p.advance()
		}
	}
	p.advance() // closing bracket
	return values, nil
}

func (p *parser) parseMap() (map[string]any, error) {
	p.advance() // opening brace
	out := map[string]any{}
	for !p.check(tokenRBrace) {
		keyTok := p.peek()
		if keyTok.typ != tokenIdent && keyTok.typ != tokenString {
			return nil, p.errorf(keyTok.line, "expected map key, found %s", keyTok.typ)
		}
		p.advance()
		if _, err := p.consume(tokenArrow); err != nil {
			return nil, err
		}
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		out[keyTok.value] = value
		if p.check(tokenComma) {
			p.advance()
		}
	}
	p.advance() // closing brace
	return out, nil
}

func (p *parser) parseStringLike() (string, error) {
	tok := p.peek()
	if tok.typ != tokenString && tok.typ != tokenIdent {
		return "", p.errorf(tok.line, "expected identifier or string, found %s", tok.typ)
	}
	p.advance()
	return tok.value, nil
}

func toStringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

func (p *parser) check(typ tokenType) bool {
	return p.peek().typ == typ
}

func (p *parser) checkIdent(value string) bool {
	tok := p.peek()
	return tok.typ == tokenIdent && tok.value == value
}

func (p *parser) consume(typ tokenType) (token, error) {
	tok := p.peek()
	if tok.typ != typ {
		return token{}, p.errorf(tok.line, "expected %s, found %q", typ, tok.value)
	}
	return p.advance(), nil
}

func (p *parser) consumeIdent(value string) error {
	tok := p.peek()
	if tok.typ != tokenIdent || tok.value != value {
		return p.errorf(tok.line, "expected %q, found %q", value, tok.value)
	}
	p.advance()
	return nil
}

func (p *parser) advance() token {
	tok := p.tokens[p.index]
	if tok.typ != tokenEOF {
		p.index++
	}
	return tok
}

func (p *parser) peek() token {
	return p.tokens[p.index]
}

func (p *parser) errorf(line int, format string, args ...any) error {
	return geperrors.NewParseError(p.path, line, fmt.Errorf(format, args...))
}
