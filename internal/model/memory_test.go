package model

import (
	"testing"
	"time"
)

func TestEpisodeTitle(t *testing.T) {
	late := time.Date(2025, 3, 10, 23, 30, 0, 0, time.FixedZone("PDT", -7*3600))
	tests := []struct {
		topic string
		at    time.Time
		want  string
	}{
		{"coffee", time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), "coffee — 2025-03-10"},
		{"career", late, "career — 2025-03-11"},
		{"", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), " — 2025-01-01"},
	}
	for _, tt := range tests {
		if got := EpisodeTitle(tt.topic, tt.at); got != tt.want {
			t.Errorf("EpisodeTitle(%q, %v) = %q, want %q", tt.topic, tt.at, got, tt.want)
		}
	}
}
