package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glamp/wingman-tunnel/internal/ws"
)

func TestPendingResolve(t *testing.T) {
	table := NewPendingTable(time.Second)
	done, err := table.Add("req-1", "brave-falcon", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	payload := &ws.ResponsePayload{StatusCode: 200, Body: "ok"}
	table.Resolve("req-1", payload)

	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Payload.StatusCode != 200 || res.Payload.Body != "ok" {
			t.Errorf("payload = %+v", res.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("result never delivered")
	}
	if table.Count() != 0 {
		t.Errorf("Count() = %d after resolve, want 0", table.Count())
	}
}

func TestPendingDuplicateID(t *testing.T) {
	table := NewPendingTable(time.Second)
	if _, err := table.Add("req-1", "brave-falcon", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := table.Add("req-1", "brave-falcon", nil); !errors.Is(err, ErrDuplicateRequestID) {
		t.Errorf("second add err = %v, want ErrDuplicateRequestID", err)
	}
}

func TestPendingTimeout(t *testing.T) {
	table := NewPendingTable(30 * time.Millisecond)

	var timedOut string
	table.OnTimeout = func(id string, err error) { timedOut = id }

	done, _ := table.Add("req-1", "brave-falcon", nil)

	select {
	case res := <-done:
		if !IsTimeout(res.Err) {
			t.Fatalf("err = %v, want timeout", res.Err)
		}
		var te *TimeoutError
		if !errors.As(res.Err, &te) || te.RequestID != "req-1" {
			t.Errorf("timeout error = %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	if timedOut != "req-1" {
		t.Errorf("OnTimeout saw %q", timedOut)
	}
	if table.Count() != 0 {
		t.Errorf("Count() = %d after timeout, want 0", table.Count())
	}

	// A late response for the expired id is dropped silently.
	table.Resolve("req-1", &ws.ResponsePayload{StatusCode: 200})
}

func TestPendingCompletionIsIdempotent(t *testing.T) {
	table := NewPendingTable(time.Hour)
	done, _ := table.Add("req-1", "brave-falcon", nil)

	// Racing completions: exactly one wins, the rest are no-ops.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); table.Resolve("req-1", &ws.ResponsePayload{StatusCode: 200}) }()
		go func() { defer wg.Done(); table.Cancel("req-1") }()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
	select {
	case res := <-done:
		t.Fatalf("second result delivered: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPendingCancelForSession(t *testing.T) {
	table := NewPendingTable(time.Hour)
	a, _ := table.Add("req-a", "brave-falcon", nil)
	b, _ := table.Add("req-b", "brave-falcon", nil)
	other, _ := table.Add("req-c", "calm-otter", nil)

	n := table.CancelForSession("brave-falcon", ErrDeveloperDisconnected)
	if n != 2 {
		t.Fatalf("cancelled %d, want 2", n)
	}
	for _, done := range []<-chan Result{a, b} {
		select {
		case res := <-done:
			if !errors.Is(res.Err, ErrDeveloperDisconnected) {
				t.Errorf("err = %v, want ErrDeveloperDisconnected", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("cancellation not delivered")
		}
	}

	select {
	case res := <-other:
		t.Fatalf("unrelated session cancelled: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
	if table.Count() != 1 {
		t.Errorf("Count() = %d, want 1", table.Count())
	}
}

func TestPendingCancelForChannelSparesOtherOwner(t *testing.T) {
	table := NewPendingTable(time.Hour)
	oldCh := &ControlChannel{}
	newCh := &ControlChannel{}

	// Two requests rode the old channel; a third was admitted to its
	// replacement before the cancellation wave ran.
	a, _ := table.Add("req-a", "brave-falcon", oldCh)
	b, _ := table.Add("req-b", "brave-falcon", oldCh)
	c, _ := table.Add("req-c", "brave-falcon", newCh)

	n := table.CancelForChannel(oldCh, ErrDeveloperReplaced)
	if n != 2 {
		t.Fatalf("cancelled %d, want 2", n)
	}
	for _, done := range []<-chan Result{a, b} {
		select {
		case res := <-done:
			if !errors.Is(res.Err, ErrDeveloperReplaced) {
				t.Errorf("err = %v, want ErrDeveloperReplaced", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("cancellation not delivered")
		}
	}

	// The new channel's request survives the wave and still resolves.
	select {
	case res := <-c:
		t.Fatalf("new channel's request swept: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
	table.Resolve("req-c", &ws.ResponsePayload{StatusCode: 200})
	select {
	case res := <-c:
		if res.Err != nil || res.Payload.StatusCode != 200 {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("surviving request never resolved")
	}
}

func TestPendingCleanup(t *testing.T) {
	table := NewPendingTable(time.Hour)
	a, _ := table.Add("req-a", "brave-falcon", nil)
	b, _ := table.Add("req-b", "calm-otter", nil)

	table.Cleanup()
	for _, done := range []<-chan Result{a, b} {
		select {
		case res := <-done:
			if !errors.Is(res.Err, ErrCancelled) {
				t.Errorf("err = %v, want ErrCancelled", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("cleanup not delivered")
		}
	}
	if table.Count() != 0 {
		t.Errorf("Count() = %d, want 0", table.Count())
	}
}

func TestPendingCancelReportsExistence(t *testing.T) {
	table := NewPendingTable(time.Hour)
	table.Add("req-1", "brave-falcon", nil)

	if !table.Cancel("req-1") {
		t.Error("Cancel returned false for pending entry")
	}
	if table.Cancel("req-1") {
		t.Error("Cancel returned true for completed entry")
	}
	if table.Cancel("never-existed") {
		t.Error("Cancel returned true for unknown id")
	}
}
