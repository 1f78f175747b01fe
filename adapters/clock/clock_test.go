package clock_test

import (
	"testing"
	"time"

	"github.com/artpar/meterd/adapters/clock"
)

func TestReal_Now_UTC(t *testing.T) {
	c := clock.Real{}

	got := c.Now()
	if got.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", got.Location())
	}

	before := time.Now()
	got = c.Now()
	after := time.Now()
	if got.Before(before.Add(-time.Second)) || got.After(after.Add(time.Second)) {
		t.Errorf("Now() = %v, expected near %v", got, before)
	}
}

func TestFake_Now_Stable(t *testing.T) {
	fixed := time.Date(2015, 12, 10, 16, 45, 0, 0, time.UTC)
	c := clock.NewFake(fixed)

	for i := 0; i < 3; i++ {
		if got := c.Now(); !got.Equal(fixed) {
			t.Errorf("call %d: Now() = %v, want %v", i, got, fixed)
		}
	}
}

func TestFake_SetAndAdvance(t *testing.T) {
	initial := time.Date(2015, 12, 10, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(initial)

	c.Advance(time.Hour)
	c.Advance(30 * time.Minute)
	if got, want := c.Now(), initial.Add(90*time.Minute); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}

	next := time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(next)
	if got := c.Now(); !got.Equal(next) {
		t.Errorf("Now() = %v, want %v", got, next)
	}
}
