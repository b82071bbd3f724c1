package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPut(t *testing.T) {
	c := New(time.Minute)

	_, ok := c.Get("git status")
	assert.False(t, ok)

	c.Put("git status", Entry{Allowed: true, Reason: "allow rule", ResolvedPath: "/usr/bin/git"})
	e, ok := c.Get("git status")
	require.True(t, ok)
	assert.True(t, e.Allowed)
	assert.Equal(t, "allow rule", e.Reason)
	assert.Equal(t, "/usr/bin/git", e.ResolvedPath)
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("ls", Entry{Allowed: true})

	now = now.Add(30 * time.Second)
	_, ok := c.Get("ls")
	assert.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = c.Get("ls")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be dropped on Get")
}

func TestPutResetsExpiry(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("ls", Entry{Allowed: true})
	now = now.Add(45 * time.Second)
	c.Put("ls", Entry{Allowed: true})
	now = now.Add(45 * time.Second)

	_, ok := c.Get("ls")
	assert.True(t, ok)
}

func TestCleanupExpired(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("a", Entry{})
	c.Put("b", Entry{})
	now = now.Add(2 * time.Minute)
	c.Put("c", Entry{})

	assert.Equal(t, 2, c.CleanupExpired())
	assert.Equal(t, 1, c.Len())
}

func TestClear(t *testing.T) {
	c := New(time.Minute)
	c.Put("a", Entry{Allowed: true})
	c.Clear()
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestDefaultTTL(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultTTL, c.ttl)
	c = New(-time.Second)
	assert.Equal(t, DefaultTTL, c.ttl)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("cmd-%d", j%10)
				c.Put(key, Entry{Allowed: n%2 == 0})
				c.Get(key)
				if j%25 == 0 {
					c.CleanupExpired()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, c.Len())
}
