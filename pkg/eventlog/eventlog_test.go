package eventlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLog_AppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	l.Append(Record{Ts: now, Kind: "nudged", State: "SLOUCH", Reason: "neck angle sustained"})
	l.Append(Record{Ts: now.Add(time.Second), Kind: "action_done"})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}
	if records[0].Kind != "nudged" || records[1].Kind != "action_done" {
		t.Errorf("unexpected record order: %+v", records)
	}
}

func TestLog_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l1.Append(Record{Ts: time.Now(), Kind: "nudged"})
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2.Append(Record{Ts: time.Now(), Kind: "action_snooze"})
	if err := l2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records across reopen, got %d", len(records))
	}
}

func TestLog_DropsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < defaultQueueCapacity*2; i++ {
		l.Append(Record{Ts: time.Now(), Kind: "nudged"})
	}

	if l.Dropped() == 0 {
		t.Error("expected some records to be dropped when the queue overflows")
	}
}

func TestReadAll_MissingFileReturnsNoError(t *testing.T) {
	records, err := ReadAll(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records for a missing file, got %v", records)
	}
}

func TestPurge_TruncatesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Append(Record{Ts: time.Now(), Kind: "nudged"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := Purge(path); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll after purge: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected an empty log after purge, got %d records", len(records))
	}

	if err := Purge(path); err != nil {
		t.Fatalf("second Purge: %v", err)
	}
	records, err = ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll after second purge: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected purge-after-purge to remain empty, got %d records", len(records))
	}
}
