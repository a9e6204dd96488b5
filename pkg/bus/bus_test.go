package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(fmt.Errorf("handle: %w", err)), "survives wrapping")
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestSubscribeOptionsDefaults(t *testing.T) {
	got := SubscribeOptions{}.withDefaults()
	assert.Equal(t, SubscribeOptions{MaxDeliver: 5, AckWait: 2 * time.Minute, RetryDelay: 5 * time.Second}, got)

	custom := SubscribeOptions{MaxDeliver: 1, AckWait: time.Second, RetryDelay: time.Millisecond}
	assert.Equal(t, custom, custom.withDefaults())
}

func TestNilBus(t *testing.T) {
	var b *Bus
	assert.False(t, b.Connected())
	assert.Error(t, b.EnsureStream())
	assert.Error(t, b.Publish(context.Background(), SubjectTemplateApplied, map[string]any{}))
	b.Close()
}
