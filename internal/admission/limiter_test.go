package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowLimiter(t *testing.T) {
	now := time.Now()

	t.Run("allows up to the limit", func(t *testing.T) {
		l := NewWindowLimiter(3).WithClock(func() time.Time { return now })
		defer l.Close()

		for i := 0; i < 3; i++ {
			ok, _ := l.Allow("ip-1")
			assert.True(t, ok, "request %d should be allowed", i)
		}
	})

	t.Run("denies the request over the limit", func(t *testing.T) {
		l := NewWindowLimiter(3).WithClock(func() time.Time { return now })
		defer l.Close()

		for i := 0; i < 3; i++ {
			l.Allow("ip-1")
		}
		ok, retryAfter := l.Allow("ip-1")
		assert.False(t, ok)
		assert.Greater(t, retryAfter, time.Duration(0))
		assert.LessOrEqual(t, retryAfter, Window)
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := NewWindowLimiter(1).WithClock(func() time.Time { return now })
		defer l.Close()

		ok, _ := l.Allow("ip-1")
		assert.True(t, ok)
		ok, _ = l.Allow("ip-2")
		assert.True(t, ok)
		ok, _ = l.Allow("ip-1")
		assert.False(t, ok)
	})

	t.Run("window reset restores the allowance", func(t *testing.T) {
		clock := now
		l := NewWindowLimiter(2).WithClock(func() time.Time { return clock })
		defer l.Close()

		l.Allow("ip-1")
		l.Allow("ip-1")
		ok, _ := l.Allow("ip-1")
		assert.False(t, ok)

		clock = now.Add(Window + time.Millisecond)
		ok, _ = l.Allow("ip-1")
		assert.True(t, ok)
	})

	t.Run("retry-after shrinks as the window elapses", func(t *testing.T) {
		clock := now
		l := NewWindowLimiter(1).WithClock(func() time.Time { return clock })
		defer l.Close()

		l.Allow("ip-1")

		clock = now.Add(40 * time.Second)
		ok, retryAfter := l.Allow("ip-1")
		assert.False(t, ok)
		assert.Equal(t, 20*time.Second, retryAfter)
	})
}
