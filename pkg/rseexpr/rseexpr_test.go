package rseexpr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	attrs map[string]map[string]string
}

func (f *fakeSource) ListAllRSEAttributes(ctx context.Context) (map[string]map[string]string, error) {
	return f.attrs, nil
}

func newTestEvaluator() *Evaluator {
	src := &fakeSource{attrs: map[string]map[string]string{
		"rse1": {"tier": "1", "country": "US"},
		"rse2": {"tier": "2", "country": "FR"},
		"rse3": {"tier": "2", "country": "US", "spare": "1"},
	}}
	return NewEvaluator(src, 16, time.Minute)
}

func TestEvaluateExistenceAtom(t *testing.T) {
	e := newTestEvaluator()
	set, err := e.Evaluate(context.Background(), "spare")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"rse3": true}, set)
}

func TestEvaluateEqualityAndUnion(t *testing.T) {
	e := newTestEvaluator()
	set, err := e.Evaluate(context.Background(), "tier=1|tier=2")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"rse1": true, "rse2": true, "rse3": true}, set)
}

func TestEvaluateIntersectionAndDifference(t *testing.T) {
	e := newTestEvaluator()
	set, err := e.Evaluate(context.Background(), "tier=2&country=US")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"rse3": true}, set)

	set, err = e.Evaluate(context.Background(), "tier=2\\country=FR")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"rse3": true}, set)
}

func TestEvaluateNumericComparison(t *testing.T) {
	e := newTestEvaluator()
	set, err := e.Evaluate(context.Background(), "tier>1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"rse2": true, "rse3": true}, set)
}

func TestEvaluateParentheses(t *testing.T) {
	e := newTestEvaluator()
	set, err := e.Evaluate(context.Background(), "(tier=1|tier=2)&country=US")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"rse1": true, "rse3": true}, set)
}

func TestEvaluateEmptyResultIsNotError(t *testing.T) {
	e := newTestEvaluator()
	set, err := e.Evaluate(context.Background(), "tier=9")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestEvaluateInvalidSyntax(t *testing.T) {
	e := newTestEvaluator()
	_, err := e.Evaluate(context.Background(), "tier=1&")
	require.Error(t, err)

	_, err = e.Evaluate(context.Background(), "(tier=1")
	require.Error(t, err)

	_, err = e.Evaluate(context.Background(), "=1")
	require.Error(t, err)
}

func TestEvaluateCacheInvalidation(t *testing.T) {
	src := &fakeSource{attrs: map[string]map[string]string{
		"rse1": {"tier": "1"},
	}}
	e := NewEvaluator(src, 16, time.Minute)

	set, err := e.Evaluate(context.Background(), "tier=1")
	require.NoError(t, err)
	assert.Len(t, set, 1)

	src.attrs["rse2"] = map[string]string{"tier": "1"}
	set, err = e.Evaluate(context.Background(), "tier=1")
	require.NoError(t, err)
	assert.Len(t, set, 1, "cached result must not reflect the new attribute until invalidated")

	e.Invalidate()
	set, err = e.Evaluate(context.Background(), "tier=1")
	require.NoError(t, err)
	assert.Len(t, set, 2)
}
