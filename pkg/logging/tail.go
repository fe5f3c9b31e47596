package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"scalper/internal/core"
)

// DefaultTailCapacity is the number of records a TailLogger keeps
const DefaultTailCapacity = 200

// Record is one retained log line
type Record struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Fields  string    `json:"fields,omitempty"`
}

type ring struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
}

func (r *ring) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n records, oldest first
func (r *ring) last(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.records)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Record, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.records)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.records[(start+i)%len(r.records)])
	}
	return out
}

func (r *ring) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make([]Record, len(r.records))
	r.next = 0
	r.full = false
}

// TailLogger forwards to another ILogger and retains the most recent records
// in memory. Children created with WithField share the same buffer.
type TailLogger struct {
	next   core.ILogger
	buf    *ring
	fields string
	now    func() time.Time
}

// NewTailLogger wraps next, keeping up to capacity records
func NewTailLogger(next core.ILogger, capacity int) *TailLogger {
	if capacity <= 0 {
		capacity = DefaultTailCapacity
	}
	return &TailLogger{
		next: next,
		buf:  &ring{records: make([]Record, capacity)},
		now:  time.Now,
	}
}

// Tail returns up to n of the most recent records, oldest first
func (l *TailLogger) Tail(n int) []Record {
	return l.buf.last(n)
}

// Reset drops every retained record
func (l *TailLogger) Reset() {
	l.buf.reset()
}

func (l *TailLogger) record(level, msg string, fields []interface{}) {
	var sb strings.Builder
	sb.WriteString(l.fields)
	for i := 0; i+1 < len(fields); i += 2 {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%v=%v", fields[i], fields[i+1])
	}
	l.buf.add(Record{Time: l.now(), Level: level, Message: msg, Fields: sb.String()})
}

func (l *TailLogger) Debug(msg string, fields ...interface{}) {
	l.next.Debug(msg, fields...)
}

func (l *TailLogger) Info(msg string, fields ...interface{}) {
	l.record("INFO", msg, fields)
	l.next.Info(msg, fields...)
}

func (l *TailLogger) Warn(msg string, fields ...interface{}) {
	l.record("WARN", msg, fields)
	l.next.Warn(msg, fields...)
}

func (l *TailLogger) Error(msg string, fields ...interface{}) {
	l.record("ERROR", msg, fields)
	l.next.Error(msg, fields...)
}

func (l *TailLogger) Fatal(msg string, fields ...interface{}) {
	l.record("FATAL", msg, fields)
	l.next.Fatal(msg, fields...)
}

func (l *TailLogger) WithField(key string, value interface{}) core.ILogger {
	// component tags are noise in the operator facing tail
	fields := l.fields
	if key != "component" {
		fields = strings.TrimSpace(fmt.Sprintf("%s %v=%v", l.fields, key, value))
	}
	return &TailLogger{
		next:   l.next.WithField(key, value),
		buf:    l.buf,
		fields: fields,
		now:    l.now,
	}
}

func (l *TailLogger) WithFields(fields map[string]interface{}) core.ILogger {
	var child core.ILogger = l
	for k, v := range fields {
		child = child.WithField(k, v)
	}
	return child
}
