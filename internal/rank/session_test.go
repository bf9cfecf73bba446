package rank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionStoreServed(t *testing.T) {
	s := NewSessionStore(time.Minute)
	assert.False(t, s.Served("s1", "b-1"))

	s.Record("s1", []string{"b-1", "b-2"}, []string{"topic"})
	assert.True(t, s.Served("s1", "b-1"))
	assert.True(t, s.Served("s1", "b-2"))
	assert.False(t, s.Served("s1", "b-3"))
	assert.False(t, s.Served("s2", "b-1"), "sessions are isolated")
}

func TestSessionStoreTouchedSlug(t *testing.T) {
	s := NewSessionStore(time.Minute)
	s.Record("s1", nil, []string{"topic"})
	assert.True(t, s.TouchedSlug("s1", "topic"))
	assert.False(t, s.TouchedSlug("s1", "other"))
}

func TestSessionStoreTTLExpiry(t *testing.T) {
	s := NewSessionStore(10 * time.Millisecond)
	s.Record("s1", []string{"b-1"}, nil)
	assert.True(t, s.Served("s1", "b-1"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.Served("s1", "b-1"), "expired session forgets served IDs")
}

func TestSessionStoreRecordRenewsTTL(t *testing.T) {
	s := NewSessionStore(50 * time.Millisecond)
	s.Record("s1", []string{"b-1"}, nil)
	time.Sleep(30 * time.Millisecond)
	s.Record("s1", []string{"b-2"}, nil)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, s.Served("s1", "b-1"), "renewed session keeps earlier IDs")
}
