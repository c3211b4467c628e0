package processprobe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsGameRunningMatchesByPrefix(t *testing.T) {
	calls := 0
	p := newWithLister(time.Minute, func() (map[int32]string, error) {
		calls++
		return map[int32]string{
			1: `C:\Games\G1\bin\game.exe`,
			2: `C:\Games\G2\bin\game.exe`,
		}, nil
	})
	clock := time.Now()
	p.now = func() time.Time { return clock }

	running, err := p.IsGameRunning(`C:\Games\G1`)
	assert.NoError(t, err)
	assert.True(t, running)

	running, err = p.IsGameRunning(`C:\Games\G3`)
	assert.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, 1, calls, "second call within refresh interval reuses the cache")
}

func TestIsGameRunningDoesNotMatchSiblingWithSamePrefix(t *testing.T) {
	p := newWithLister(time.Minute, func() (map[int32]string, error) {
		return map[int32]string{1: `C:\Games\G10\bin\game.exe`}, nil
	})
	p.now = func() time.Time { return time.Now() }

	running, err := p.IsGameRunning(`C:\Games\G1`)
	assert.NoError(t, err)
	assert.False(t, running, "G1 must not match G10's process path")
}

func TestIsGameRunningRefreshesAfterInterval(t *testing.T) {
	calls := 0
	p := newWithLister(time.Second, func() (map[int32]string, error) {
		calls++
		return map[int32]string{}, nil
	})
	clock := time.Now()
	p.now = func() time.Time { return clock }

	_, _ = p.IsGameRunning(`C:\Games\G1`)
	clock = clock.Add(2 * time.Second)
	_, _ = p.IsGameRunning(`C:\Games\G1`)

	assert.Equal(t, 2, calls)
}
