package risk

import (
	"testing"
	"time"
)

func TestSession_IsMarketOpen(t *testing.T) {
	s := DefaultSession()
	ist := s.Location

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2024, 3, 4, 9, 14, 59, 0, ist), false},
		{"at open", time.Date(2024, 3, 4, 9, 15, 0, 0, ist), true},
		{"midday", time.Date(2024, 3, 4, 12, 0, 0, 0, ist), true},
		{"at close", time.Date(2024, 3, 4, 15, 30, 0, 0, ist), true},
		{"just after close", time.Date(2024, 3, 4, 15, 30, 0, int(time.Millisecond), ist), false},
		{"one second after close", time.Date(2024, 3, 4, 15, 30, 1, 0, ist), false},
		{"late in close minute", time.Date(2024, 3, 4, 15, 30, 59, 0, ist), false},
		{"after close", time.Date(2024, 3, 4, 15, 31, 0, 0, ist), false},
		// 04:00 UTC = 09:30 IST
		{"utc input", time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC), true},
	}
	for _, c := range cases {
		if got := s.IsMarketOpen(c.at); got != c.want {
			t.Errorf("%s: IsMarketOpen(%s)=%v, want %v", c.name, c.at, got, c.want)
		}
	}
}

func TestNewSession(t *testing.T) {
	s, err := NewSession("10:00", "11:30", "UTC")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Start.String() != "10:00" || s.End.String() != "11:30" {
		t.Fatalf("unexpected bounds %s-%s", s.Start, s.End)
	}
	if !s.IsMarketOpen(time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatal("expected open at 10:30 UTC")
	}

	if _, err := NewSession("15:30", "09:15", ""); err == nil {
		t.Fatal("expected error for inverted window")
	}
	if _, err := NewSession("9h15", "", ""); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewSession("", "", "Mars/Olympus"); err == nil {
		t.Fatal("expected timezone error")
	}
}
