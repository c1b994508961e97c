package namingconvention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/types"
)

func TestValidateNoConventionIsNotError(t *testing.T) {
	store := catalog.NewMemStore()
	v := NewValidator(store, 16, time.Minute)

	meta, err := v.Validate(context.Background(), "test", types.DIDKindFile, "anything.goes")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestValidateFullMatchWithNamedGroups(t *testing.T) {
	store := catalog.NewMemStore()
	v := NewValidator(store, 16, time.Minute)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "test", types.DIDKindFile, `run(?P<run_number>\d+)\.(?P<stream>[a-z]+)\.data`))

	meta, err := v.Validate(ctx, "test", types.DIDKindFile, "run001234.physics.data")
	require.NoError(t, err)
	assert.Equal(t, "001234", meta["run_number"])
	assert.Equal(t, "physics", meta["stream"])
}

func TestValidateRejectsPartialMatch(t *testing.T) {
	store := catalog.NewMemStore()
	v := NewValidator(store, 16, time.Minute)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "test", types.DIDKindFile, `run\d+\.data`))

	_, err := v.Validate(ctx, "test", types.DIDKindFile, "run001234.data.extra")
	require.Error(t, err)
	assert.Equal(t, errors.KindInput, errors.KindOf(err))
}

func TestAddRejectsInvalidRegexp(t *testing.T) {
	store := catalog.NewMemStore()
	v := NewValidator(store, 16, time.Minute)

	err := v.Add(context.Background(), "test", types.DIDKindFile, "(unclosed")
	require.Error(t, err)
	assert.Equal(t, errors.KindInput, errors.KindOf(err))
}

// Without anchoring, Go's leftmost-first regexp semantics let an
// alternation match a short prefix of name: `foo|foobar` finds "foo" inside
// "foobarbaz". FindStringSubmatch alone can't tell a true fullmatch from a
// partial one, so a name only one branch's prefix covers must be rejected.
func TestValidateAlternationRequiresFullMatch(t *testing.T) {
	store := catalog.NewMemStore()
	v := NewValidator(store, 16, time.Minute)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "test", types.DIDKindFile, `foo|foobar`))

	_, err := v.Validate(ctx, "test", types.DIDKindFile, "foobarbaz")
	require.Error(t, err, "foobarbaz must not validate against an alternation whose branches only match a prefix")
	assert.Equal(t, errors.KindInput, errors.KindOf(err))

	meta, err := v.Validate(ctx, "test", types.DIDKindFile, "foo")
	require.NoError(t, err)
	assert.NotNil(t, meta)
}

func TestValidateCacheTTLExpiry(t *testing.T) {
	store := catalog.NewMemStore()
	v := NewValidator(store, 16, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "test", types.DIDKindDataset, `ds\.\d+`))
	_, err := v.Validate(ctx, "test", types.DIDKindDataset, "ds.1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = v.Validate(ctx, "test", types.DIDKindDataset, "ds.2")
	require.NoError(t, err)
}
