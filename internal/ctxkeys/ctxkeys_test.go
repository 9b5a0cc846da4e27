package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	_, ok := RunID(ctx)
	assert.False(t, ok)

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithLoopID(ctx, "loop-1")

	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	id, ok = RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", id)

	id, ok = LoopID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "loop-1", id)
}

func TestContextKeys_EmptyValue(t *testing.T) {
	ctx := WithLoopID(context.Background(), "")
	_, ok := LoopID(ctx)
	assert.False(t, ok)
}
