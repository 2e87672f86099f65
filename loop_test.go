package bridge

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// runOnLoop executes f on the loop goroutine and waits for it.
func runOnLoop(t *testing.T, l *Loop, f func()) {
	t.Helper()
	done := make(chan struct{})
	if err := l.Submit(func() {
		f()
		close(done)
	}); err != nil {
		t.Fatalf("Submit: %s", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not execute submitted func")
	}
}

func TestLoopSubmit(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		runOnLoop(t, l, func() { n.Add(1) })
	}
	if n.Load() != 10 {
		t.Errorf("ran %d times, want 10", n.Load())
	}
}

func TestLoopSubmitAfterClose(t *testing.T) {
	l := NewLoop()
	l.Close()

	// every single submit must fail, not just most of them: the event
	// channel is buffered, so a racy select could accept one silently
	for i := 0; i < 100; i++ {
		err := l.Submit(func() { t.Errorf("submitted func ran after Close") })
		if !errors.Is(err, ErrLoopClosed) {
			t.Fatalf("Submit %d after Close = %v, want ErrLoopClosed", i, err)
		}
	}
}

func TestLoopTimer(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	fired := make(chan struct{})
	l.ScheduleTimer(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestLoopTimerCancel(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	fired := make(chan struct{})
	id := l.ScheduleTimer(50*time.Millisecond, func() { close(fired) })
	l.CancelTimer(id)
	// cancelling twice is a no-op
	l.CancelTimer(id)

	select {
	case <-fired:
		t.Fatalf("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLoopInterval(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var n atomic.Int32
	hit3 := make(chan struct{})
	var id TimerID
	id = l.ScheduleInterval(5*time.Millisecond, func() {
		if n.Add(1) == 3 {
			l.CancelTimer(id)
			close(hit3)
		}
	})

	select {
	case <-hit3:
	case <-time.After(2 * time.Second):
		t.Fatalf("interval fired %d times, want 3", n.Load())
	}
}

func TestLoopReadDispatch(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	server, client := net.Pipe()
	defer client.Close()

	got := make(chan []byte, 4)
	runOnLoop(t, l, func() {
		l.Register(server, HandleCallbacks{
			OnRead: func(b []byte) { got <- b },
		})
	})

	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %s", err)
	}

	select {
	case b := <-got:
		if string(b) != "hello" {
			t.Errorf("OnRead got %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnRead never fired")
	}
}

func TestLoopErrorExactlyOnce(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	server, client := net.Pipe()

	var reg *Registration
	var errCount atomic.Int32
	errch := make(chan error, 4)
	runOnLoop(t, l, func() {
		reg = l.Register(server, HandleCallbacks{
			OnError: func(err error) {
				errCount.Add(1)
				errch <- err
			},
		})
	})

	client.Close()

	select {
	case <-errch:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnError never fired")
	}

	// give a potential duplicate time to show up, then check the handle is
	// gone and that a late explicit unregister is a no-op
	time.Sleep(50 * time.Millisecond)
	if errCount.Load() != 1 {
		t.Errorf("OnError fired %d times, want 1", errCount.Load())
	}
	runOnLoop(t, l, func() {
		if _, ok := l.regs[reg]; ok {
			t.Errorf("errored handle still registered")
		}
		l.Unregister(reg)
		l.Unregister(reg)
	})
}

func TestLoopWriteInterest(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	server, client := net.Pipe()
	defer client.Close()

	var queue IOVector
	var reg *Registration
	runOnLoop(t, l, func() {
		reg = l.Register(server, HandleCallbacks{
			OnWritable: func() []byte {
				if queue.Empty() {
					return nil
				}
				return queue.TakeFront(queue.Len()).Coalesce()
			},
		})
		queue.Append(Block("first"))
		l.SetWriteInterest(reg, true)
	})

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil || string(buf[:n]) != "first" {
		t.Fatalf("read %q err=%v", buf[:n], err)
	}

	// disarm happens once the write pump reports the chunk drained, which
	// races with our read completing; wait for it before asserting
	deadline := time.Now().Add(2 * time.Second)
	for {
		var armed bool
		runOnLoop(t, l, func() { armed = reg.armed })
		if !armed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("write interest still armed after queue drained")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// re-arming with fresh data delivers again
	runOnLoop(t, l, func() {
		queue.Append(Block("second"))
		l.SetWriteInterest(reg, true)
	})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(buf)
	if err != nil || string(buf[:n]) != "second" {
		t.Fatalf("read %q err=%v", buf[:n], err)
	}
}

func TestLoopCloseFailsRegistrations(t *testing.T) {
	l := NewLoop()

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	errch := make(chan error, 1)
	runOnLoop(t, l, func() {
		l.Register(server, HandleCallbacks{
			OnError: func(err error) { errch <- err },
		})
	})

	l.Close()

	select {
	case err := <-errch:
		if !errors.Is(err, ErrLoopClosed) {
			t.Errorf("registration failed with %v, want ErrLoopClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("registration did not observe loop close")
	}
}
