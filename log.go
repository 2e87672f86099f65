package bridge

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/KarpelesLab/ringbuf"
)

// The engine keeps a ring buffer of recent wire activity so an external
// diagnostic service can dump it without the engine having logged anything
// to disk. Structured application logging goes through log/slog as usual;
// the ring buffer only carries the high-rate packet trace.
var (
	logbuf   *ringbuf.Writer
	logbufMu sync.Mutex
)

func initLog() {
	logbufMu.Lock()
	defer logbufMu.Unlock()
	if logbuf != nil {
		return
	}
	b, err := ringbuf.New(256 * 1024)
	if err != nil {
		slog.Warn(fmt.Sprintf("[bridge] failed to set up trace buffer: %s", err),
			"event", "bridge:log:trace_setup_fail")
		return
	}
	logbuf = b
}

// LogTarget returns a writer appending to the engine trace buffer, or nil
// when tracing is unavailable.
func LogTarget() io.Writer {
	return logbuf
}

// LogDmesg copies the retained trace history to w.
func LogDmesg(w io.Writer) (int64, error) {
	if logbuf == nil {
		return 0, nil
	}
	r := logbuf.Reader()
	defer r.Close()
	return io.Copy(w, r)
}

func shutdownLog() {
	logbufMu.Lock()
	defer logbufMu.Unlock()
	if logbuf != nil {
		logbuf.Close()
		logbuf = nil
	}
}

// tracef records one line of wire activity in the trace buffer.
func tracef(format string, args ...any) {
	if logbuf == nil {
		return
	}
	fmt.Fprintf(logbuf, time.Now().UTC().Format("15:04:05.000000")+" "+format+"\n", args...)
}
