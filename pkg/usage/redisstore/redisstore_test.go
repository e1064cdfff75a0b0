package redisstore

import (
	"testing"
	"time"
)

func TestRecordKey(t *testing.T) {
	got := recordKey("guest:abc", "2026-03-01")
	if got != "studylive:usage:2026-03-01:guest:abc" {
		t.Fatalf("key=%q", got)
	}
}

func TestParseRecord(t *testing.T) {
	rec, err := parseRecord(map[string]string{
		fieldSessions:  "2",
		fieldMinutes:   "12.75",
		fieldUpdatedAt: "2026-03-01T10:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionsUsed != 2 || rec.MinutesUsed != 12.75 {
		t.Fatalf("rec=%+v", rec)
	}
	if !rec.UpdatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("updated_at=%v", rec.UpdatedAt)
	}

	empty, err := parseRecord(nil)
	if err != nil || empty.SessionsUsed != 0 || empty.MinutesUsed != 0 {
		t.Fatalf("empty=%+v err=%v", empty, err)
	}

	if _, err := parseRecord(map[string]string{fieldSessions: "x"}); err == nil {
		t.Fatal("expected error for bad sessions")
	}
}

func TestParseScriptResult(t *testing.T) {
	rec, ok, err := parseScriptResult([]interface{}{int64(1), int64(3), "4.5", ""})
	if err != nil || !ok || rec.SessionsUsed != 3 || rec.MinutesUsed != 4.5 {
		t.Fatalf("rec=%+v ok=%v err=%v", rec, ok, err)
	}
	rec, ok, err = parseScriptResult([]interface{}{int64(0), int64(3), "0", ""})
	if err != nil || ok || rec.SessionsUsed != 3 {
		t.Fatalf("rejected rec=%+v ok=%v err=%v", rec, ok, err)
	}
	if _, _, err := parseScriptResult([]interface{}{"1"}); err == nil {
		t.Fatal("expected error for short result")
	}
}

func TestNewDefaultsTTL(t *testing.T) {
	s := New(nil, 0)
	if s.ttl != DefaultTTL {
		t.Fatalf("ttl=%v", s.ttl)
	}
}
