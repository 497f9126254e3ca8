package executor

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         50 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("breaker should be closed before threshold, failure %d", i)
		}
		b.Record(false)
	}

	if b.Allow() {
		t.Fatal("breaker should be open after threshold failures")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         10 * time.Millisecond,
	})

	b.Record(false)
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// After the cooldown exactly one probe gets through.
	if !b.Allow() {
		t.Fatal("probe should be admitted after cooldown")
	}
	if b.Allow() {
		t.Fatal("only one probe should be admitted while half-open")
	}

	// A failed probe reopens the breaker.
	b.Record(false)
	if b.Allow() {
		t.Fatal("breaker should reopen after failed probe")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe should be admitted after second cooldown")
	}
	b.Record(true)

	// A successful probe closes the breaker fully.
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("breaker should be closed after successful probe, call %d", i)
		}
		b.Record(true)
	}
}

func TestBreakerRollingWindow(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		Window:           30 * time.Millisecond,
		Cooldown:         time.Minute,
	})

	b.Record(false)
	b.Record(false)
	time.Sleep(50 * time.Millisecond)

	// The first two failures aged out of the window.
	b.Record(false)
	b.Record(false)
	if !b.Allow() {
		t.Fatal("breaker should stay closed when old failures aged out")
	}

	b.Record(false)
	if b.Allow() {
		t.Fatal("breaker should open once the window holds threshold failures")
	}
}

func TestBreakerSetPerTarget(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Minute})

	set.For("http").Record(false)
	if set.For("http").Allow() {
		t.Fatal("http breaker should be open")
	}
	if !set.For("shell").Allow() {
		t.Fatal("shell breaker should be unaffected")
	}
}
