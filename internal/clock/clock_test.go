package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("fired before Advance")
	default:
	}

	f.Advance(5 * time.Second)

	select {
	case got := <-ch:
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("did not fire after Advance")
	}
}

func TestFake_MultipleWaitersFireInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	late := f.After(10 * time.Second)
	early := f.After(2 * time.Second)

	f.Advance(10 * time.Second)

	earlyAt := <-early
	lateAt := <-late

	assert.True(t, earlyAt.Before(lateAt) || earlyAt.Equal(lateAt))
}

func TestFake_Timer_StopPreventsFire(t *testing.T) {
	f := NewFake(time.Now())
	timer := f.NewTimer(time.Second)

	stopped := timer.Stop()
	require.True(t, stopped)

	f.Advance(2 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("stopped timer should not fire")
	default:
	}
}

func TestFake_Timer_Reset(t *testing.T) {
	f := NewFake(time.Now())
	timer := f.NewTimer(time.Second)

	timer.Reset(3 * time.Second)

	f.Advance(2 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("reset timer fired too early")
	default:
	}

	f.Advance(time.Second)

	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire after new deadline")
	}
}
