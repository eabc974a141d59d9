// ABOUTME: Tests for the message dedupe cache
// ABOUTME: Covers TTL expiry, size-bound eviction, and the check/mark pattern

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckMark(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Check("msg-1"))
	c.Mark("msg-1")
	assert.True(t, c.Check("msg-1"))
	assert.False(t, c.Check("msg-2"))
}

func TestTTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Close()

	c.Mark("msg-1")
	assert.True(t, c.Check("msg-1"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.Check("msg-1"))
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")

	assert.False(t, c.Check("a"))
	assert.True(t, c.Check("b"))
	assert.True(t, c.Check("c"))
}

func TestMarkRefreshesOrder(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("a") // refresh: b is now oldest
	c.Mark("c")

	assert.True(t, c.Check("a"))
	assert.False(t, c.Check("b"))
	assert.True(t, c.Check("c"))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
