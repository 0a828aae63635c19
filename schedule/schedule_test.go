package schedule

import (
	"testing"
	"time"

	apperrors "github.com/kbukum/flowkit/errors"
)

func TestParse_Cron(t *testing.T) {
	s, err := Parse("0 * * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	base := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next := s.Next(base)
	want := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestParse_Every(t *testing.T) {
	s, err := Parse("@every 15m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next := s.Next(base)
	if got := next.Sub(base); got != 15*time.Minute {
		t.Fatalf("expected 15m step, got %v", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not a schedule")
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.IsCode(err, apperrors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestDueTimes_Catchup(t *testing.T) {
	s, err := Parse("@every 1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	watermark := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := watermark.Add(3*time.Hour + 30*time.Minute)

	due := s.DueTimes(watermark, now, true)
	if len(due) != 3 {
		t.Fatalf("expected 3 due intervals, got %d", len(due))
	}
	for i, d := range due {
		want := watermark.Add(time.Duration(i+1) * time.Hour)
		if !d.Equal(want) {
			t.Fatalf("interval %d: expected %v, got %v", i, want, d)
		}
	}
}

func TestDueTimes_NoCatchupSkipsToLatest(t *testing.T) {
	s, err := Parse("@every 1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	watermark := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := watermark.Add(5 * time.Hour)

	due := s.DueTimes(watermark, now, false)
	if len(due) != 1 {
		t.Fatalf("expected 1 due interval, got %d", len(due))
	}
	if !due[0].Equal(watermark.Add(5 * time.Hour)) {
		t.Fatalf("expected most recent interval, got %v", due[0])
	}
}

func TestDueTimes_NothingDue(t *testing.T) {
	s, err := Parse("@every 1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	watermark := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if due := s.DueTimes(watermark, watermark.Add(time.Minute), true); due != nil {
		t.Fatalf("expected nothing due, got %v", due)
	}
}
