package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	tm := c.NewTimer(3 * time.Second)
	require.Equal(t, 1, c.Pending())

	c.Advance(2 * time.Second)
	select {
	case <-tm.C:
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-tm.C:
		assert.Equal(t, epoch.Add(3*time.Second), at)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	tm := c.NewTimer(time.Second)
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	assert.Equal(t, 0, c.Pending())

	c.Advance(time.Minute)
	select {
	case <-tm.C:
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeTimerNonPositiveIsExpired(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.NewTimer(0).C:
	default:
		t.Fatal("zero-duration timer should be expired")
	}
	select {
	case <-c.After(-time.Second):
	default:
		t.Fatal("negative-duration timer should be expired")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeBlockUntil(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(5 * time.Second)
		close(done)
	}()

	c.BlockUntil(1)
	c.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not observe the timer")
	}
}

func TestFakeSet(t *testing.T) {
	c := Fake(epoch)
	tm := c.NewTimer(time.Hour)
	c.Set(epoch.Add(2 * time.Hour))
	assert.Equal(t, epoch.Add(2*time.Hour), c.Now())
	select {
	case <-tm.C:
	default:
		t.Fatal("timer did not fire on Set")
	}
}
