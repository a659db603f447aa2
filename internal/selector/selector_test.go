package selector

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSelectorReadable(t *testing.T) {
	a, b := socketpair(t)

	sel, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sel.Close()

	h, err := sel.Register(a, Read, "conn-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	events, err := sel.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Handle != h {
		t.Errorf("Handle = %d, want %d", ev.Handle, h)
	}
	if !ev.Readable {
		t.Error("expected Readable = true")
	}
	if ev.Attachment.(string) != "conn-a" {
		t.Errorf("Attachment = %v, want conn-a", ev.Attachment)
	}
}

func TestSelectorConnectableVsWritable(t *testing.T) {
	a, _ := socketpair(t)

	sel, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sel.Close()

	h, err := sel.Register(a, Connect, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	events, err := sel.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || !events[0].Connectable {
		t.Fatalf("expected a single Connectable event, got %+v", events)
	}

	if err := sel.Modify(h, Write); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	events, err = sel.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || !events[0].Writable || events[0].Connectable {
		t.Fatalf("expected a single Writable (not Connectable) event, got %+v", events)
	}
}

func TestSelectorRemoveStopsEvents(t *testing.T) {
	a, b := socketpair(t)

	sel, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sel.Close()

	h, err := sel.Register(a, Read, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sel.Remove(h); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	unix.Write(b, []byte("ignored"))
	events, err := sel.Wait(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after Remove, got %+v", events)
	}
}

func TestSelectorWake(t *testing.T) {
	sel, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sel.Close()

	done := make(chan struct{})
	go func() {
		sel.Wait(5 * time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sel.Wake()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake did not unblock Wait")
	}
}
