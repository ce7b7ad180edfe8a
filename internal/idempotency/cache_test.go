package idempotency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jackela/impetus/internal/intervention"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testResponse(actionID string) *intervention.Response {
	return &intervention.Response{
		Action:   intervention.ActionProvoke,
		Content:  "> [AI施压 - Muse]: 门后传来低沉的呼吸声。",
		LockID:   "lock_" + actionID,
		Anchor:   intervention.Anchor{Type: intervention.AnchorPos, From: 12},
		ActionID: actionID,
		Source:   intervention.ModeMuse,
		IssuedAt: time.Now().UTC(),
	}
}

func TestGetMissing(t *testing.T) {
	c := New(15 * time.Second)
	if got := c.Get("nope"); got != nil {
		t.Errorf("Get() = %v, want nil for missing key", got)
	}
}

func TestSetAndGet(t *testing.T) {
	c := New(15 * time.Second)
	resp := testResponse("act_1")
	c.Set("key-1", resp)

	got := c.Get("key-1")
	if got == nil {
		t.Fatal("Get() = nil, want cached response")
	}
	if got.ActionID != "act_1" {
		t.Errorf("ActionID = %q, want %q", got.ActionID, "act_1")
	}
}

func TestExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(15*time.Second, WithClock(clock.Now))

	c.Set("key-1", testResponse("act_1"))

	clock.Advance(14 * time.Second)
	if c.Get("key-1") == nil {
		t.Fatal("entry expired before TTL")
	}

	clock.Advance(2 * time.Second)
	if got := c.Get("key-1"); got != nil {
		t.Errorf("Get() = %v after TTL, want nil", got)
	}
}

func TestDoIdenticalWithinTTL(t *testing.T) {
	c := New(15 * time.Second)

	var calls atomic.Int64
	fn := func() (*intervention.Response, error) {
		calls.Add(1)
		return testResponse("act_1"), nil
	}

	first, hit, err := c.Do("key-1", fn)
	if err != nil || hit {
		t.Fatalf("first Do() hit=%v err=%v", hit, err)
	}
	second, hit, err := c.Do("key-1", fn)
	if err != nil {
		t.Fatalf("second Do() error: %v", err)
	}
	if !hit {
		t.Error("second Do() hit = false, want cache hit")
	}
	if first.ActionID != second.ActionID || first.LockID != second.LockID {
		t.Errorf("repeated key returned different identifiers: %q/%q vs %q/%q",
			first.ActionID, first.LockID, second.ActionID, second.LockID)
	}
	if calls.Load() != 1 {
		t.Errorf("fn called %d times, want 1", calls.Load())
	}
}

func TestDoConcurrentSingleInvocation(t *testing.T) {
	c := New(15 * time.Second)

	var calls atomic.Int64
	started := make(chan struct{})
	fn := func() (*intervention.Response, error) {
		calls.Add(1)
		<-started // hold the invocation open while racers pile up
		return testResponse("act_1"), nil
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make([]*intervention.Response, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := c.Do("key-1", fn)
			if err != nil {
				t.Errorf("Do() error: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}

	// Give the goroutines a moment to reach Do, then release.
	time.Sleep(20 * time.Millisecond)
	close(started)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fn called %d times under concurrency, want 1", calls.Load())
	}
	for i, r := range results {
		if r == nil || r.ActionID != "act_1" {
			t.Errorf("racer %d got %v, want act_1", i, r)
		}
	}
}

func TestDoErrorNotCached(t *testing.T) {
	c := New(15 * time.Second)

	boom := errors.New("provider down")
	if _, _, err := c.Do("key-1", func() (*intervention.Response, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want %v", err, boom)
	}

	// Next call must invoke fn again rather than replay the failure.
	resp, hit, err := c.Do("key-1", func() (*intervention.Response, error) {
		return testResponse("act_2"), nil
	})
	if err != nil || hit {
		t.Fatalf("Do() after failure hit=%v err=%v", hit, err)
	}
	if resp.ActionID != "act_2" {
		t.Errorf("ActionID = %q, want act_2", resp.ActionID)
	}
}

func TestCleanupExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(15*time.Second, WithClock(clock.Now))

	c.Set("a", testResponse("act_a"))
	c.Set("b", testResponse("act_b"))
	clock.Advance(16 * time.Second)
	c.Set("c", testResponse("act_c"))

	if dropped := c.CleanupExpired(); dropped != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", dropped)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}
