package cart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	s := newFixture().open(t, StorageBoth)
	ctx := WithStore(context.Background(), s)

	got, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Same(t, s, got.(*Store))
	assert.NotPanics(t, func() { MustFromContext(ctx) })
}

func TestFromContext_Missing(t *testing.T) {
	_, err := FromContext(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindContext))
	assert.ErrorIs(t, err, ErrNoStore)

	assert.Panics(t, func() { MustFromContext(context.Background()) })
}
