// Package battery provides the battery state collaborator.
package battery

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Provider reports the device battery state.
type Provider interface {
	// CurrentLevel returns the charge level in percent (0-100).
	CurrentLevel(ctx context.Context) (int, error)
	IsCharging(ctx context.Context) (bool, error)
}

// Sysfs reads battery state from the Linux power-supply sysfs tree.
type Sysfs struct {
	// Base is the power-supply device directory,
	// e.g. /sys/class/power_supply/BAT0.
	Base string
}

// NewSysfs creates a sysfs-backed provider for the given supply name.
func NewSysfs(supply string) *Sysfs {
	return &Sysfs{Base: filepath.Join("/sys/class/power_supply", supply)}
}

func (s *Sysfs) CurrentLevel(ctx context.Context) (int, error) {
	raw, err := os.ReadFile(filepath.Join(s.Base, "capacity"))
	if err != nil {
		return 0, errors.Wrap(err, "read battery capacity")
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, errors.Wrap(err, "parse battery capacity")
	}
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return level, nil
}

func (s *Sysfs) IsCharging(ctx context.Context) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.Base, "status"))
	if err != nil {
		return false, errors.Wrap(err, "read battery status")
	}
	status := strings.TrimSpace(string(raw))
	return status == "Charging" || status == "Full", nil
}

// Static is a fixed-value Provider for tests and machines without a battery.
type Static struct {
	Level    int
	Charging bool
}

func (s Static) CurrentLevel(ctx context.Context) (int, error) { return s.Level, nil }
func (s Static) IsCharging(ctx context.Context) (bool, error)  { return s.Charging, nil }
