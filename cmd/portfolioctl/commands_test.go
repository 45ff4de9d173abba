package main

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01", time.Date(2024, 3, 1, 23, 59, 59, 999999000, time.UTC)},
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T10:00:00-03:00", time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseDate(tt.in)
		if err != nil {
			t.Fatalf("parseDate(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseDate(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := parseDate("01/03/2024"); err == nil {
		t.Error("expected an error for a non-ISO date")
	}
}
