package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDeclaredKeysOnly(t *testing.T) {
	st := NewState("userInterest")
	assert.ErrorIs(t, st.Set("favouriteColour", "blue"), ErrUndeclaredKey)
	assert.Equal(t, []string{"userInterest"}, st.Keys())
}

func TestStateWriteOnce(t *testing.T) {
	st := NewState("userInterest")
	require.NoError(t, st.Set("userInterest", "yes"))
	require.NoError(t, st.Set("userInterest", "yes"))
	assert.ErrorIs(t, st.Set("userInterest", "no"), ErrKeyImmutable)

	v, ok := st.Get("userInterest")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)
}

func TestStagedViewCommit(t *testing.T) {
	st := NewState("a", "b")
	require.NoError(t, st.Set("a", 1))

	view := st.stage()
	require.NoError(t, view.Set("b", 2))
	assert.ErrorIs(t, view.Set("a", 5), ErrKeyImmutable)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, view.Snapshot())

	_, visible := st.Get("b")
	assert.False(t, visible, "staged writes stay private until commit")

	st.commit(view)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, st.Snapshot())
}
