// Package namingconvention validates DID names against a per-scope regular
// expression registered by convention type. A name must fully match; named
// capture groups become default metadata on the created DID.
package namingconvention

import (
	"context"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/types"
)

// ConventionSource is satisfied by pkg/catalog.Store.
type ConventionSource interface {
	AddNamingConvention(ctx context.Context, scope string, kind types.DIDKind, regexp string) error
	GetNamingConvention(ctx context.Context, scope string, kind types.DIDKind) (string, bool, error)
}

type cacheEntry struct {
	re *regexp.Regexp
	at time.Time
}

// Validator resolves and applies naming conventions, caching compiled
// patterns per (scope, kind) with a bounded TTL.
type Validator struct {
	store ConventionSource
	ttl   time.Duration

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

// NewValidator constructs a Validator backed by store.
func NewValidator(store ConventionSource, cacheSize int, ttl time.Duration) *Validator {
	cache, _ := lru.New[string, cacheEntry](cacheSize)
	return &Validator{store: store, ttl: ttl, cache: cache}
}

// fullmatchPattern wraps pattern so regexp.Compile produces a fullmatch
// equivalent: Go's regexp package has no fullmatch mode, only leftmost-first
// search, so the pattern is anchored at both ends before compiling.
func fullmatchPattern(pattern string) string {
	return "^(?:" + pattern + ")$"
}

// Add registers a naming convention for scope and kind, after confirming the
// anchored pattern itself compiles.
func (v *Validator) Add(ctx context.Context, scope string, kind types.DIDKind, pattern string) error {
	if _, err := regexp.Compile(fullmatchPattern(pattern)); err != nil {
		return errors.InvalidObject("invalid naming convention pattern: " + err.Error())
	}
	return v.store.AddNamingConvention(ctx, scope, kind, pattern)
}

// Validate checks name against scope's convention for kind, if one exists.
// Absence of a convention is not an error: it returns (nil, nil). A
// registered convention that name does not fully match fails with
// errors.InvalidObject. On a match, the named capture groups are returned as
// default metadata.
func (v *Validator) Validate(ctx context.Context, scope string, kind types.DIDKind, name string) (map[string]string, error) {
	re, ok, err := v.resolve(ctx, scope, kind)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	match := re.FindStringSubmatch(name)
	if match == nil {
		return nil, errors.InvalidObject("name '" + name + "' does not match naming convention for scope '" + scope + "'")
	}

	meta := make(map[string]string)
	for i, groupName := range re.SubexpNames() {
		if i == 0 || groupName == "" {
			continue
		}
		meta[groupName] = match[i]
	}
	return meta, nil
}

// resolve returns the anchored, compiled regexp for (scope, kind), consulting
// the TTL cache before the store.
func (v *Validator) resolve(ctx context.Context, scope string, kind types.DIDKind) (*regexp.Regexp, bool, error) {
	key := scope + "\x00" + string(kind)

	v.mu.Lock()
	if entry, found := v.cache.Get(key); found && time.Since(entry.at) < v.ttl {
		v.mu.Unlock()
		return entry.re, true, nil
	}
	v.mu.Unlock()

	pattern, found, err := v.store.GetNamingConvention(ctx, scope, kind)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	re, err := regexp.Compile(fullmatchPattern(pattern))
	if err != nil {
		return nil, false, errors.InvalidObject("stored naming convention pattern no longer compiles: " + err.Error())
	}

	v.mu.Lock()
	v.cache.Add(key, cacheEntry{re: re, at: time.Now()})
	v.mu.Unlock()
	return re, true, nil
}
