package ledger

import (
	"context"
	"io"
	"strings"
	"time"
)

// insertLogTimeout bounds the write so a down database cannot stall the
// process logger.
const insertLogTimeout = 2 * time.Second

// Sink tees process log output into the logs table. Routine traffic stays on
// the underlying writer alone; lines carrying a failure marker are mirrored
// as WARNING or ERROR rows so problems survive a process restart.
type Sink struct {
	out   io.Writer
	store Interface
}

// NewSink wraps out so warnings and failures also land in the ledger.
func NewSink(out io.Writer, store Interface) *Sink {
	return &Sink{out: out, store: store}
}

// Write implements io.Writer. Ledger failures are swallowed: a down database
// must never break process logging.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.out.Write(p)

	line := strings.TrimSpace(string(p))
	if level := classify(line); level != "" {
		ctx, cancel := context.WithTimeout(context.Background(), insertLogTimeout)
		_ = s.store.InsertLog(ctx, LogEntry{Level: level, Logger: "process", Message: line})
		cancel()
	}
	return n, err
}

// classify maps a formatted log line to a mirrored severity, or "" for lines
// that stay out of the ledger.
func classify(line string) string {
	switch {
	case strings.Contains(line, "Warning"):
		return "WARNING"
	case strings.Contains(line, "Failed"), strings.Contains(line, "failed"),
		strings.Contains(line, "unreachable"):
		return "ERROR"
	}
	return ""
}
