package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"interbus/wire"
)

func TestJournalAppendReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "a.journal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	m1 := wire.NewInterfaceMessage(wire.NewInterfaceID("svc"), 2, 1, []byte("req"))
	m2 := wire.NewResponseMessage(2, []byte("resp"))
	_ = j.Append(m1.Encode())
	_ = j.Append(m2.Encode())
	recs, err := j.Replay()
	if err != nil || len(recs) != 2 {
		t.Fatalf("replay: %v %d", err, len(recs))
	}
	got1, err := wire.DecodeMessage(recs[0])
	if err != nil || got1.Kind != wire.KindInterface || string(got1.Payload) != "req" {
		t.Fatalf("rec1: %+v %v", got1, err)
	}
	got2, err := wire.DecodeMessage(recs[1])
	if err != nil || got2.Kind != wire.KindResponse || got2.MessageID != 2 {
		t.Fatalf("rec2: %+v %v", got2, err)
	}
	_ = j.Close()
	if _, err := j.Replay(); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected closed err, got: %v", err)
	}
}

func TestJournalEdgeCases(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected open error")
	}
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "b.journal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	if err := j.Append(nil); err != nil {
		t.Fatalf("append nil: %v", err)
	}
	_ = j.Close()
	if err := j.Append([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected closed append err, got: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("expected nil close")
	}
}

func TestJournalReplayTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.journal")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatalf("openfile: %v", err)
	}
	_, _ = f.Write([]byte{1, 2, 3})
	_ = f.Close()

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	recs, err := j.Replay()
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected empty replay: %v %#v", err, recs)
	}
}

func TestJournalReplayPartialRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.journal")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatalf("openfile: %v", err)
	}
	_, _ = f.Write([]byte{5, 0, 0, 0})
	_, _ = f.Write([]byte{1, 2})
	_ = f.Close()
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	if _, err := j.Replay(); err == nil {
		t.Fatalf("expected error")
	}
}
