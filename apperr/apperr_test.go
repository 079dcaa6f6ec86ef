package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindNotEnoughSpace, "deploy", cause)

	assert.True(t, Is(err, KindNotEnoughSpace))
	assert.False(t, Is(err, KindCancelled))
	assert.ErrorIs(t, err, Sentinel(KindNotEnoughSpace))
	assert.Equal(t, KindNotEnoughSpace, KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestKindOfUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := Wrap(KindInvalidRef, "ref.parse", errors.New("bad arch element"))
	assert.Contains(t, err.Error(), "ref.parse")
	assert.Contains(t, err.Error(), "InvalidRef")
	assert.Contains(t, err.Error(), "bad arch element")
}
