package waterfall

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecayConfig_Apply(t *testing.T) {
	days := func(n int) time.Duration { return time.Duration(n) * day }

	tests := []struct {
		name  string
		conf  float64
		age   time.Duration
		decay DecayConfig
		want  float64
	}{
		{"fresh", 0.9, 0, DecayConfig{HalfLifeDays: 30, Floor: 0.2}, 0.9},
		{"future dated", 0.8, -days(30), DecayConfig{HalfLifeDays: 30}, 0.8},
		{"one half-life", 0.8, days(30), DecayConfig{HalfLifeDays: 30, Floor: 0.1}, 0.4},
		{"partial", 0.8, days(10), DecayConfig{HalfLifeDays: 30}, 0.8 * math.Pow(2, -10.0/30)},
		{"floor", 0.85, days(365), DecayConfig{HalfLifeDays: 30, Floor: 0.3}, 0.3},
		{"floor never raises", 0.25, days(365), DecayConfig{HalfLifeDays: 30, Floor: 0.3}, 0.25},
		{"default half-life", 0.8, days(365), DecayConfig{}, 0.4},
		{"zero", 0, days(5), DecayConfig{HalfLifeDays: 30}, 0},
		{"negative", -0.5, days(5), DecayConfig{HalfLifeDays: 30}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.decay.Apply(tc.conf, tc.age), 0.01)
		})
	}
}

func TestStaleAt(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ninety := 90 * day
	old := now.AddDate(0, 0, -91)
	recent := now.AddDate(0, 0, -89)

	assert.True(t, staleAt(&old, now, ninety))
	assert.False(t, staleAt(&recent, now, ninety))
	assert.False(t, staleAt(nil, now, ninety), "undated")
	assert.False(t, staleAt(&old, now, 0), "no window")
}
