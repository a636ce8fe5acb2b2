package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amanullahtanweer/billboard-callassist/internal/telephony"
	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
	"github.com/amanullahtanweer/billboard-callassist/internal/usage"
)

func TestParseUsageRejectsCorruptHash(t *testing.T) {
	_, err := parseUsage("s1", map[string]string{"started_at": "yesterday"})
	if err == nil {
		t.Fatal("expected error for unparseable started_at")
	}
}

func TestNewCallRecordLabelsSpeakers(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	items := []transcription.Item{
		{ID: "i1", Role: telephony.RoleAgent, Text: "Outdoor Media, how can I help?", Timestamp: at},
		{ID: "i2", Role: telephony.RoleCaller, Text: "Pricing for a bulletin on I-35.", Timestamp: at.Add(time.Second)},
	}
	rec := NewCallRecord("CA1", "+15551234567", "hangup", at, at.Add(time.Minute), items,
		usage.Record{SessionID: "u1", DurationSeconds: 60, Cost: 0.06})

	if len(rec.Transcript) != 2 || rec.Transcript[0].Speaker != "Agent" || rec.Transcript[1].Speaker != "Caller" {
		t.Fatalf("transcript = %+v", rec.Transcript)
	}
	if rec.UsageSessionID != "u1" || rec.Cost != 0.06 {
		t.Fatalf("usage fields = %+v", rec)
	}
}

// The redis tests need a live server.
func redisStore(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := DialRedis(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0, "callassist-test:"+uuid.NewString()+":")
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisUsage(t *testing.T) {
	r := redisStore(t)
	ctx := context.Background()
	want := usage.Record{
		SessionID:       "s1",
		LogID:           "log-1",
		StartedAt:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		DurationSeconds: 42.3,
		Cost:            0.0423,
		CostKnown:       true,
	}
	if err := r.SaveUsage(ctx, want); err != nil {
		t.Fatalf("SaveUsage: %v", err)
	}
	got, err := r.Usage(ctx, "s1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRedisTranscriptReplaces(t *testing.T) {
	r := redisStore(t)
	ctx := context.Background()
	first := []transcription.Item{{ID: "a", Role: telephony.RoleCaller, Text: "one"}}
	second := []transcription.Item{
		{ID: "b", Role: telephony.RoleAgent, Text: "two"},
		{ID: "c", Role: telephony.RoleCaller, Text: "three"},
	}
	if err := r.SaveTranscript(ctx, "CA1", first); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if err := r.SaveTranscript(ctx, "CA1", second); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	got, err := r.Transcript(ctx, "CA1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("transcript = %+v", got)
	}
}
