// Package rseexpr evaluates RSE-expression strings — set algebra over RSE
// attributes — into concrete RSE id sets. The evaluator is pure; results are
// cached by expression string with a bounded TTL and dropped wholesale by
// Invalidate. RSE-attribute mutations in the catalog do not call Invalidate,
// so a cached result can lag such a mutation until its TTL expires.
package rseexpr

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rucio/rucio-go/pkg/errors"
)

// AttributeSource supplies the full RSE attribute table the evaluator walks.
// pkg/catalog.Store.ListAllRSEAttributes satisfies this directly.
type AttributeSource interface {
	ListAllRSEAttributes(ctx context.Context) (map[string]map[string]string, error)
}

type cacheEntry struct {
	set map[string]bool
	at  time.Time
}

// Evaluator parses and evaluates RSE expressions against a catalog's
// attribute table.
type Evaluator struct {
	source AttributeSource
	ttl    time.Duration

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

// NewEvaluator constructs an Evaluator backed by source, caching up to
// cacheSize distinct expressions for ttl.
func NewEvaluator(source AttributeSource, cacheSize int, ttl time.Duration) *Evaluator {
	cache, _ := lru.New[string, cacheEntry](cacheSize)
	return &Evaluator{source: source, ttl: ttl, cache: cache}
}

// Invalidate drops every cached expression result. No catalog write path
// calls it; callers that change RSE attributes call it themselves.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Purge()
}

// Evaluate returns the set of RSE ids matching expr. An empty result is not
// an error; malformed syntax fails with errors.InvalidRSEExpression.
func (e *Evaluator) Evaluate(ctx context.Context, expr string) (map[string]bool, error) {
	e.mu.Lock()
	if entry, ok := e.cache.Get(expr); ok && time.Since(entry.at) < e.ttl {
		e.mu.Unlock()
		return entry.set, nil
	}
	e.mu.Unlock()

	attrs, err := e.source.ListAllRSEAttributes(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := tokenize(expr)
	if err != nil {
		return nil, errors.InvalidRSEExpression(expr, err.Error())
	}
	p := &parser{tokens: tokens, attrs: attrs}
	result, err := p.parseExpr()
	if err != nil {
		return nil, errors.InvalidRSEExpression(expr, err.Error())
	}
	if p.pos != len(p.tokens) {
		return nil, errors.InvalidRSEExpression(expr, "unexpected trailing input")
	}

	e.mu.Lock()
	e.cache.Add(expr, cacheEntry{set: result, at: time.Now()})
	e.mu.Unlock()
	return result, nil
}

// --- lexer ---

type tokenKind int

const (
	tokAtom tokenKind = iota
	tokAnd            // &
	tokOr             // |
	tokMinus          // \
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(expr)
	for i < n {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case c == '&':
			tokens = append(tokens, token{kind: tokAnd})
			i++
		case c == '|':
			tokens = append(tokens, token{kind: tokOr})
			i++
		case c == '\\':
			tokens = append(tokens, token{kind: tokMinus})
			i++
		default:
			start := i
			for i < n && !strings.ContainsRune("()&|\\ \t", rune(expr[i])) {
				i++
			}
			if i == start {
				return nil, errInvalidChar(expr[i])
			}
			tokens = append(tokens, token{kind: tokAtom, text: expr[start:i]})
		}
	}
	return tokens, nil
}

func errInvalidChar(c byte) error {
	return &syntaxError{msg: "unexpected character '" + string(c) + "'"}
}

type syntaxError struct{ msg string }

func (e *syntaxError) Error() string { return e.msg }

// --- recursive-descent parser, left-associative over &, |, \ ---

type parser struct {
	tokens []token
	pos    int
	attrs  map[string]map[string]string
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) parseExpr() (map[string]bool, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || (tok.kind != tokAnd && tok.kind != tokOr && tok.kind != tokMinus) {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokAnd:
			left = intersect(left, right)
		case tokOr:
			left = union(left, right)
		case tokMinus:
			left = difference(left, right)
		}
	}
}

func (p *parser) parseTerm() (map[string]bool, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, &syntaxError{msg: "unexpected end of expression"}
	}
	switch tok.kind {
	case tokLParen:
		p.pos++
		result, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, &syntaxError{msg: "missing closing parenthesis"}
		}
		p.pos++
		return result, nil
	case tokAtom:
		p.pos++
		return p.evalAtom(tok.text)
	default:
		return nil, &syntaxError{msg: "expected atom or '('"}
	}
}

func (p *parser) evalAtom(atom string) (map[string]bool, error) {
	key, op, value, err := splitAtom(atom)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for rseID, attrs := range p.attrs {
		v, present := attrs[key]
		if !present {
			continue
		}
		switch op {
		case "":
			out[rseID] = true
		case "=":
			if v == value {
				out[rseID] = true
			}
		case "<":
			if lessNumericOrLexical(v, value) {
				out[rseID] = true
			}
		case ">":
			if lessNumericOrLexical(value, v) {
				out[rseID] = true
			}
		}
	}
	return out, nil
}

func splitAtom(atom string) (key, op, value string, err error) {
	for i, c := range atom {
		switch c {
		case '=', '<', '>':
			if i == 0 {
				return "", "", "", &syntaxError{msg: "atom missing key: " + atom}
			}
			return atom[:i], string(c), atom[i+1:], nil
		}
	}
	return atom, "", "", nil
}

func lessNumericOrLexical(a, b string) bool {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		return af < bf
	}
	return a < b
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func union(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func difference(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}
