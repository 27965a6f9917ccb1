// Package eventlog provides the append-only, line-delimited JSON event
// record (spec.md §3 "Event record", §4.H) that backs the policy's audit
// trail: every nudge, suppression, and user action is appended for later
// inspection, capped to a bounded in-memory fan-out queue so a slow writer
// never blocks the pose loop.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deskcoach/deskcoach/internal/atomicfile"
)

// Record is a single appended line. Metadata is free-form per spec.md §3
// and intentionally untyped so new event kinds never require a schema
// migration.
type Record struct {
	Ts       time.Time         `json:"ts"`
	Kind     string            `json:"kind"`
	State    string            `json:"state,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// defaultQueueCapacity bounds the in-memory buffer between the producer
// (the pose loop / policy) and the writer goroutine. Past this, new
// records are dropped and counted rather than blocking the caller (spec.md
// §4.H: "never block the posture pipeline on disk I/O").
const defaultQueueCapacity = 256

// Log appends Records to a JSONL file from a single background writer
// goroutine, the way the teacher's Tracker fans a single stream out to
// multiple non-blocking subscribers — here there is exactly one consumer
// (the file), and Append is the non-blocking producer side.
type Log struct {
	path string

	mu      sync.Mutex
	queue   chan Record
	dropped uint64

	wg   sync.WaitGroup
	done chan struct{}
}

// Open creates (or appends to) the event log file at path and starts its
// writer goroutine.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	l := &Log{
		path:  path,
		queue: make(chan Record, defaultQueueCapacity),
		done:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.writeLoop(f)

	return l, nil
}

func (l *Log) writeLoop(f *os.File) {
	defer l.wg.Done()
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()

	for {
		select {
		case rec, ok := <-l.queue:
			if !ok {
				return
			}
			line, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			w.Write(line)
			w.WriteByte('\n')

		case <-flushTicker.C:
			w.Flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.queue:
					line, err := json.Marshal(rec)
					if err == nil {
						w.Write(line)
						w.WriteByte('\n')
					}
				default:
					return
				}
			}
		}
	}
}

// Append enqueues a record for writing. If the queue is full, the record
// is dropped and counted rather than blocking the caller.
func (l *Log) Append(rec Record) {
	select {
	case l.queue <- rec:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

// Dropped reports how many records have been dropped due to a full queue.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops the writer goroutine after draining any queued records.
func (l *Log) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

// Purge atomically truncates the event log to empty (spec.md §4.H: a user
// or retention policy may clear history without leaving a corrupt
// partial file behind).
func Purge(path string) error {
	return atomicfile.Write(path, nil, 0o644)
}

// ReadAll reads every record currently on disk, in file order. Intended
// for tests and for a future "show history" CLI subcommand, not for the
// hot path.
func ReadAll(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading event log: %w", err)
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
