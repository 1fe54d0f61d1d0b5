package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegisterAndActive(t *testing.T) {
	r := NewRegistry(5 * time.Minute)
	r.Register("s1")

	assert.True(t, r.IsActive("s1"))
	assert.False(t, r.IsActive("s2"))
	assert.Equal(t, 1, r.Snapshot())
}

func TestSlidingTTL(t *testing.T) {
	base := time.Now()
	r := NewRegistry(5 * time.Minute)
	r.now = func() time.Time { return base }
	r.Register("s1")

	// Active just inside the TTL with no further touches.
	r.now = func() time.Time { return base.Add(5*time.Minute - time.Second) }
	assert.True(t, r.IsActive("s1"))

	// Inactive just past the TTL.
	r.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	assert.False(t, r.IsActive("s1"))
	assert.Equal(t, 0, r.Snapshot())
}

func TestTouchExtends(t *testing.T) {
	base := time.Now()
	r := NewRegistry(5 * time.Minute)
	r.now = func() time.Time { return base }
	r.Register("s1")

	r.now = func() time.Time { return base.Add(4 * time.Minute) }
	r.Touch("s1")

	// Eight minutes after registration but only four since the touch.
	r.now = func() time.Time { return base.Add(8 * time.Minute) }
	assert.True(t, r.IsActive("s1"))
}

func TestTouchUnknownIsNoop(t *testing.T) {
	r := NewRegistry(5 * time.Minute)
	r.Touch("ghost")
	assert.Equal(t, 0, r.Snapshot())
}

func TestTerminateIdempotent(t *testing.T) {
	r := NewRegistry(5 * time.Minute)
	r.Register("s1")

	r.Terminate("s1")
	assert.False(t, r.IsActive("s1"))
	r.Terminate("s1") // second delete is a no-op
	assert.Equal(t, 0, r.Snapshot())
}

func TestSnapshotPrunes(t *testing.T) {
	base := time.Now()
	r := NewRegistry(5 * time.Minute)
	r.now = func() time.Time { return base }
	r.Register("old")

	r.now = func() time.Time { return base.Add(3 * time.Minute) }
	r.Register("fresh")

	r.now = func() time.Time { return base.Add(6 * time.Minute) }
	assert.Equal(t, 1, r.Snapshot())
	assert.True(t, r.IsActive("fresh"))
}
