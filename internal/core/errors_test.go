package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsNestedFailures(t *testing.T) {
	inner := Fail(FailTransportJoin, "join media", errors.New("timeout"))
	outer := fmt.Errorf("accept: %w", inner)

	assert.Equal(t, FailTransportJoin, KindOf(outer))
	assert.Equal(t, FailUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, FailUnknown, KindOf(nil))
}

func TestFailureIsMatchesByKind(t *testing.T) {
	err := Fail(FailRoomNotFound, "get room", errors.New("gone"))
	assert.True(t, errors.Is(err, ErrRoomNotFound))
	assert.False(t, errors.Is(err, ErrRoomFull))
}

func TestSentinelKinds(t *testing.T) {
	assert.Equal(t, FailTransitionInProgress, KindOf(ErrTransitionInProgress))
	assert.Equal(t, FailAuthorizationDenied, KindOf(ErrAuthorizationDenied))
	assert.Equal(t, "transition_in_progress", FailTransitionInProgress.String())
	assert.Equal(t, "unknown", FailUnknown.String())
}
