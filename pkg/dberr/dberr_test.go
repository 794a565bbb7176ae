package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("wrapping: %w", New("txn.Execute", KindDocumentConflict, errors.New("stale revision")))

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	require.Equal(t, KindDocumentConflict, kind)
}

func TestKindOfNotADBErr(t *testing.T) {
	_, ok := KindOf(errors.New("plain error"))
	require.False(t, ok)
}

func TestErrorIs(t *testing.T) {
	a := New("view.Query", KindViewNotFound, nil)
	b := New("database.Query", KindViewNotFound, errors.New("x"))
	require.True(t, errors.Is(a, b))

	c := New("view.Query", KindCollectionNotFound, nil)
	require.False(t, errors.Is(a, c))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("bucket missing")
	err := New("kv.Tree", KindStorage, cause)
	require.ErrorIs(t, err, cause)
}
