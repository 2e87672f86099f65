package bridge

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is a single-threaded event dispatcher. All registered I/O callbacks,
// timer callbacks and submitted funcs execute on one dispatch goroutine, so
// objects owned by the loop (transports, sockets) need no locking.
//
// Blocking reads and writes happen on per-registration pump goroutines;
// their results are delivered back to the dispatch goroutine through the
// event channel, preserving arrival order per handle.
type Loop struct {
	eventch chan func()
	done    chan struct{}
	closed  sync.Once

	// state below is owned by the dispatch goroutine
	regs map[*Registration]struct{}
	dead []*Registration // pending deletion, swept after each dispatch pass

	timersMu sync.Mutex
	timers   map[TimerID]*loopTimer
	nextID   atomic.Uint64
}

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

type loopTimer struct {
	f        func()
	t        *time.Timer
	interval time.Duration // zero for one-shot
}

// HandleCallbacks bundles the callbacks invoked for a registered handle.
// All three run on the loop's dispatch goroutine.
type HandleCallbacks struct {
	// OnRead is invoked with bytes read from the handle, in arrival order.
	OnRead func(b []byte)
	// OnWritable is invoked while write interest is armed, whenever the
	// previous chunk has fully drained. Returning an empty slice disarms
	// write interest until SetWriteInterest is called again.
	OnWritable func() []byte
	// OnError is invoked exactly once when the handle reports an error;
	// the registration is unregistered automatically afterwards.
	OnError func(err error)
}

// Registration pairs a byte-stream handle with its callbacks. It is owned by
// the Loop and released by Unregister or Loop shutdown.
type Registration struct {
	l       *Loop
	rw      io.ReadWriteCloser
	cb      HandleCallbacks
	writech chan Block
	stopch  chan struct{}

	// owned by the dispatch goroutine
	armed    bool
	inflight bool
	dead     bool
	errDone  bool
}

// NewLoop creates an event loop and starts its dispatch goroutine.
func NewLoop() *Loop {
	l := &Loop{
		eventch: make(chan func(), 128),
		done:    make(chan struct{}),
		regs:    make(map[*Registration]struct{}),
		timers:  make(map[TimerID]*loopTimer),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			l.teardown()
			return
		case f := <-l.eventch:
			f()
			l.sweep()
		}
	}
}

// sweep releases handles marked for deletion during the pass that just
// completed. Deferred removal guarantees a callback never frees an object
// another pending callback in the same pass still references.
func (l *Loop) sweep() {
	if len(l.dead) == 0 {
		return
	}
	for _, reg := range l.dead {
		if _, ok := l.regs[reg]; !ok {
			continue
		}
		delete(l.regs, reg)
		close(reg.stopch)
		reg.rw.Close()
	}
	l.dead = l.dead[:0]
}

func (l *Loop) teardown() {
	l.timersMu.Lock()
	for id, lt := range l.timers {
		lt.t.Stop()
		delete(l.timers, id)
	}
	l.timersMu.Unlock()

	for reg := range l.regs {
		if !reg.errDone && reg.cb.OnError != nil {
			reg.errDone = true
			reg.cb.OnError(ErrLoopClosed)
		}
		close(reg.stopch)
		reg.rw.Close()
		delete(l.regs, reg)
	}
}

// post queues f for execution on the dispatch goroutine. Returns false once
// the loop is closed. The done channel is checked first: a select between a
// ready buffered send and a closed channel picks at random, which would let
// a post slip through after Close and be silently dropped.
func (l *Loop) post(f func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.eventch <- f:
		return true
	case <-l.done:
		return false
	}
}

// Submit queues f for execution on the dispatch goroutine. It is the only
// entry point for goroutines other than the loop itself; cross-thread
// requests are messages, never direct mutation.
func (l *Loop) Submit(f func()) error {
	if !l.post(f) {
		return ErrLoopClosed
	}
	return nil
}

// Close stops the dispatch goroutine and fails every live registration.
func (l *Loop) Close() {
	l.closed.Do(func() {
		close(l.done)
	})
}

// Register attaches a byte-stream handle to the loop and starts its read and
// write pumps. Must be called on the dispatch goroutine.
func (l *Loop) Register(rw io.ReadWriteCloser, cb HandleCallbacks) *Registration {
	reg := &Registration{
		l:       l,
		rw:      rw,
		cb:      cb,
		writech: make(chan Block, 1),
		stopch:  make(chan struct{}),
	}
	l.regs[reg] = struct{}{}
	go reg.readPump()
	go reg.writePump()
	return reg
}

// Unregister marks a registration for deferred removal at the end of the
// current dispatch pass. Idempotent: a handle already pending deletion is a
// no-op. Must be called on the dispatch goroutine.
func (l *Loop) Unregister(reg *Registration) {
	if reg == nil || reg.dead {
		return
	}
	reg.dead = true
	l.dead = append(l.dead, reg)
}

// SetWriteInterest arms or disarms write interest for the handle. While
// armed, OnWritable is invoked whenever the previous chunk has drained.
// Must be called on the dispatch goroutine.
func (l *Loop) SetWriteInterest(reg *Registration, on bool) {
	if reg.dead {
		return
	}
	reg.armed = on
	if on {
		reg.pump()
	}
}

// pump hands the next chunk to the write pump. Runs on the dispatch
// goroutine; writech has capacity one and inflight guards it, so the send
// can never block.
func (reg *Registration) pump() {
	if reg.dead || !reg.armed || reg.inflight {
		return
	}
	b := reg.cb.OnWritable()
	if len(b) == 0 {
		reg.armed = false
		return
	}
	reg.inflight = true
	reg.writech <- b
}

func (reg *Registration) readPump() {
	buf := make([]byte, 64*1024)
	for {
		n, err := reg.rw.Read(buf)
		if n > 0 {
			data := make(Block, n)
			copy(data, buf[:n])
			if !reg.l.post(func() { reg.deliverRead(data) }) {
				return
			}
		}
		if err != nil {
			reg.l.post(func() { reg.deliverError(err) })
			return
		}
	}
}

func (reg *Registration) writePump() {
	for {
		select {
		case <-reg.stopch:
			return
		case b := <-reg.writech:
			for len(b) > 0 {
				n, err := reg.rw.Write(b)
				if err != nil {
					reg.l.post(func() { reg.deliverError(err) })
					return
				}
				b = b[n:]
			}
			reg.l.post(reg.writeDrained)
		}
	}
}

func (reg *Registration) deliverRead(b Block) {
	if reg.dead {
		return
	}
	if reg.cb.OnRead != nil {
		reg.cb.OnRead(b)
	}
}

func (reg *Registration) writeDrained() {
	reg.inflight = false
	reg.pump()
}

// deliverError fires the error callback exactly once and auto-unregisters
// the handle; no further callbacks fire for it afterwards.
func (reg *Registration) deliverError(err error) {
	if reg.dead || reg.errDone {
		return
	}
	reg.errDone = true
	if reg.cb.OnError != nil {
		reg.cb.OnError(err)
	}
	reg.l.Unregister(reg)
}

// ScheduleTimer schedules f to run once on the dispatch goroutine after d.
func (l *Loop) ScheduleTimer(d time.Duration, f func()) TimerID {
	return l.schedule(d, 0, f)
}

// ScheduleInterval schedules f to run on the dispatch goroutine every d
// until cancelled.
func (l *Loop) ScheduleInterval(d time.Duration, f func()) TimerID {
	return l.schedule(d, d, f)
}

func (l *Loop) schedule(d, interval time.Duration, f func()) TimerID {
	id := TimerID(l.nextID.Add(1))
	lt := &loopTimer{f: f, interval: interval}
	l.timersMu.Lock()
	l.timers[id] = lt
	l.timersMu.Unlock()

	lt.t = time.AfterFunc(d, func() {
		if !l.post(func() { l.fireTimer(id) }) {
			slog.Debug(fmt.Sprintf("bridge: timer %d fired after loop close", id),
				"event", "bridge:loop:timer_after_close")
		}
	})
	return id
}

func (l *Loop) fireTimer(id TimerID) {
	l.timersMu.Lock()
	lt, ok := l.timers[id]
	if ok {
		if lt.interval > 0 {
			lt.t.Reset(lt.interval)
		} else {
			delete(l.timers, id)
		}
	}
	l.timersMu.Unlock()
	if ok {
		lt.f()
	}
}

// CancelTimer stops a pending timer. Cancelling an already-fired or unknown
// timer is a no-op.
func (l *Loop) CancelTimer(id TimerID) {
	l.timersMu.Lock()
	if lt, ok := l.timers[id]; ok {
		lt.t.Stop()
		delete(l.timers, id)
	}
	l.timersMu.Unlock()
}
