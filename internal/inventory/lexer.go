package inventory

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenString
	tokenArrow
	tokenLBrace
	tokenRBrace
	tokenLBracket
	tokenRBracket
	tokenComma
	tokenColon
)

func (t tokenType) String() string {
	switch t {
	case tokenEOF:
		return "end of input"
	case tokenIdent:
		return "identifier"
	case tokenString:
		return "string"
	case tokenArrow:
		return "'=>'"
	case tokenLBrace:
		return "'{'"
	case tokenRBrace:
		return "'}'"
	case tokenLBracket:
		return "'['"
	case tokenRBracket:
		return "']'"
	case tokenComma:
		return "','"
	case tokenColon:
		return "':'"
	}
	return "unknown token"
}

type token struct {
	typ   tokenType
	value string
	line  int
}

// lexer turns DSL source text into a token stream. Comments run from '#' to
// end of line. Identifiers may contain path characters so bare words like
// /etc/motd and dotted identities like file.motd lex as a single token.
type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

func (l *lexer) tokens() ([]token, error) {
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.typ == tokenEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		switch {
		case ch == '\n':
			l.line++
			l.pos++
		case ch == ' ' || ch == '\t' || ch == '\r':
			l.pos++
		case ch == '#':
			l.skipComment()
		case ch == '\'' || ch == '"':
			return l.lexString(ch)
		case ch == '=' && l.peek(1) == '>':
			tok := token{typ: tokenArrow, value: "=>", line: l.line}
			l.pos += 2
			return tok, nil
		case ch == '{':
			return l.simple(tokenLBrace, "{"), nil
		case ch == '}':
			return l.simple(tokenRBrace, "}"), nil
		case ch == '[':
			return l.simple(tokenLBracket, "["), nil
		case ch == ']':
			return l.simple(tokenRBracket, "]"), nil
		case ch == ',':
			return l.simple(tokenComma, ","), nil
		case ch == ':':
			return l.simple(tokenColon, ":"), nil
		case isIdentStart(ch):
			return l.lexIdent(), nil
		default:
			return token{}, fmt.Errorf("line %d: unexpected character %q", l.line, string(ch))
		}
	}
	return token{typ: tokenEOF, line: l.line}, nil
}

func (l *lexer) simple(typ tokenType, value string) token {
	tok := token{typ: typ, value: value, line: l.line}
	l.pos++
	return tok
}

func (l *lexer) skipComment() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.line
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		switch ch {
		case '\\':
			l.pos++
			if l.pos >= len(l.src) {
				return token{}, fmt.Errorf("line %d: unterminated string literal", start)
			}
			b.WriteByte(unescape(l.src[l.pos]))
			l.pos++
		case quote:
			l.pos++
			return token{typ: tokenString, value: b.String(), line: start}, nil
		case '\n':
			l.line++
			b.WriteByte(ch)
			l.pos++
		default:
			b.WriteByte(ch)
			l.pos++
		}
	}
	return token{}, fmt.Errorf("line %d: unterminated string literal", start)
}

func unescape(ch byte) byte {
	switch ch {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return ch
	}
}

func (l *lexer) lexIdent() token {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	return token{typ: tokenIdent, value: l.src[start:l.pos], line: l.line}
}

func (l *lexer) peek(offset int) byte {
	idx := l.pos + offset
	if idx >= len(l.src) {
		return 0
	}
	return l.src[idx]
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch == '.' || ch == '/' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch == '-' || (ch >= '0' && ch <= '9')
}
