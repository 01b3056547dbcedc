package highlight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", Normalize(" a\n b  c "))
	assert.Equal(t, "hello world", Normalize("hello\tworld"))
	assert.Equal(t, "", Normalize("   "))
	assert.Equal(t, "same", Normalize("same"))
}

func TestOccurrences(t *testing.T) {
	t.Run("finds every match", func(t *testing.T) {
		got := Occurrences("the cat and the dog", "the")
		assert.Equal(t, [][2]int{{0, 3}, {12, 15}}, got)
	})

	t.Run("matches across differing whitespace", func(t *testing.T) {
		got := Occurrences("a  b", "a b")
		assert.Equal(t, [][2]int{{0, 4}}, got)

		got = Occurrences("a b", "a\nb")
		assert.Equal(t, [][2]int{{0, 3}}, got)
	})

	t.Run("reports overlapping matches", func(t *testing.T) {
		got := Occurrences("aaa", "aa")
		assert.Equal(t, [][2]int{{0, 2}, {1, 3}}, got)
	})

	t.Run("no match", func(t *testing.T) {
		assert.Empty(t, Occurrences("the cat", "dog"))
	})

	t.Run("whitespace only selection", func(t *testing.T) {
		assert.Empty(t, Occurrences("the cat", "   "))
	})
}

func TestReconcile(t *testing.T) {
	projection := "the cat and the dog"

	t.Run("single occurrence ignores the hint", func(t *testing.T) {
		start, end, err := Reconcile("cat", 9999, projection)
		require.NoError(t, err)
		assert.Equal(t, 4, start)
		assert.Equal(t, 7, end)
	})

	t.Run("picks the occurrence closest to the hint", func(t *testing.T) {
		start, end, err := Reconcile("the", 10, projection)
		require.NoError(t, err)
		assert.Equal(t, 12, start)
		assert.Equal(t, 15, end)

		start, end, err = Reconcile("the", 3, projection)
		require.NoError(t, err)
		assert.Equal(t, 0, start)
		assert.Equal(t, 3, end)
	})

	t.Run("earlier occurrence wins a distance tie", func(t *testing.T) {
		start, _, err := Reconcile("the", 6, projection)
		require.NoError(t, err)
		assert.Equal(t, 0, start)
	})

	t.Run("zero occurrences fail", func(t *testing.T) {
		_, _, err := Reconcile("zebra", 0, projection)
		assert.ErrorIs(t, err, ErrTextNotFound)
	})

	t.Run("empty selection fails", func(t *testing.T) {
		_, _, err := Reconcile("  ", 0, projection)
		assert.ErrorIs(t, err, ErrEmptySelection)
	})

	t.Run("selection whitespace is tolerated", func(t *testing.T) {
		start, end, err := Reconcile("cat  and", 0, projection)
		require.NoError(t, err)
		assert.Equal(t, "cat and", projection[start:end])
	})
}

func TestVerify(t *testing.T) {
	projection := "hello world"

	assert.True(t, Verify(projection, 0, 5, "hello"))
	assert.True(t, Verify(projection, 6, 11, "world"))
	assert.True(t, Verify(projection, 0, 5, " hello "), "normalized comparison")

	assert.False(t, Verify(projection, 0, 5, "world"))
	assert.False(t, Verify(projection, -1, 5, "hello"))
	assert.False(t, Verify(projection, 6, 12, "world"))
	assert.False(t, Verify(projection, 5, 5, ""))
}
