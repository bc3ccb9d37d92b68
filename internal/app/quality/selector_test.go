package quality

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dawnbox/dawnbox/internal/infra/battery"
)

type failingProvider struct{}

func (failingProvider) CurrentLevel(ctx context.Context) (int, error) {
	return 0, errors.New("no battery device")
}
func (failingProvider) IsCharging(ctx context.Context) (bool, error) {
	return false, errors.New("no battery device")
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		provider battery.Provider
		planned  time.Duration
		expect   Level
	}{
		{"nil provider falls back to medium", nil, time.Hour, LevelMedium},
		{"failing provider falls back to medium", failingProvider{}, time.Hour, LevelMedium},
		{"charging selects high", battery.Static{Level: 30, Charging: true}, time.Hour, LevelHigh},
		{"low battery selects low", battery.Static{Level: 15}, time.Hour, LevelLow},
		{"full battery selects high", battery.Static{Level: 90}, time.Hour, LevelHigh},
		{"mid battery selects medium", battery.Static{Level: 40}, time.Hour, LevelMedium},
		{"long session drops high to medium", battery.Static{Level: 90}, 6 * time.Hour, LevelMedium},
		{"continuous session drops medium to low", battery.Static{Level: 40}, 0, LevelLow},
		{"charging ignores session length", battery.Static{Level: 90, Charging: true}, 0, LevelHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.provider, Config{})
			got := s.Select(context.Background(), tt.planned)
			assert.Equal(t, tt.expect, got.Level)
		})
	}
}

func TestChoice_BufferSizes(t *testing.T) {
	s := New(battery.Static{Level: 15}, Config{})
	low := s.Select(context.Background(), time.Hour)
	assert.Equal(t, 2000, low.BufferMs)

	s = New(battery.Static{Level: 90, Charging: true}, Config{})
	high := s.Select(context.Background(), time.Hour)
	assert.Equal(t, 250, high.BufferMs)
}
