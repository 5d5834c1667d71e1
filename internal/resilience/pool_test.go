package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
)

func TestPool_UnboundedAdmitsEverything(t *testing.T) {
	var p *Pool // nil pool: no limit configured
	for i := 0; i < 100; i++ {
		release, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		release()
	}
}

func TestPool_ReleaseFreesSlot(t *testing.T) {
	p := NewPool("asr", 1)

	r1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if p.InFlight() != 1 {
		t.Errorf("in-flight = %d, want 1", p.InFlight())
	}
	r1()

	r2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
}

func TestPool_ExhaustedFailsOverloaded(t *testing.T) {
	p := NewPool("llm", 1)
	p.wait = 20 * time.Millisecond

	release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = p.Acquire(context.Background())
	if !errors.Is(err, fault.ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestPool_CancelledWhileQueued(t *testing.T) {
	p := NewPool("tts", 1)

	release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	if !errors.Is(err, fault.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestPool_QueuedCallerGetsFreedSlot(t *testing.T) {
	p := NewPool("asr", 1)

	release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()

	r2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("queued Acquire: %v", err)
	}
	r2()
}
