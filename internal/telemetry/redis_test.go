package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisSink_BadURL(t *testing.T) {
	_, err := NewRedisSink(context.Background(), "not-a-url", "endura")
	assert.Error(t, err)
}

func TestRedisSink_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	// Port 1 is reserved and refuses connections.
	_, err := NewRedisSink(ctx, "redis://127.0.0.1:1/0", "endura")
	assert.Error(t, err)
}
