package sched

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
)

// PayloadVersion is the current wake payload schema version.
const PayloadVersion = 1

// TriggerKind distinguishes the role of a pending wake request.
type TriggerKind string

const (
	KindPrimary   TriggerKind = "primary"
	KindRecurring TriggerKind = "recurring_instance"
	KindSnooze    TriggerKind = "snooze"
)

// WhiteNoisePayload carries the optional white-noise sub-configuration.
type WhiteNoisePayload struct {
	SoundID string  `json:"sound_id" mapstructure:"whiteNoiseSoundId"`
	Volume  float64 `json:"volume" mapstructure:"whiteNoiseVolume"`
	Enabled bool    `json:"enabled" mapstructure:"whiteNoiseEnabled"`
}

// Payload is the closed, versioned wake payload. It carries everything the
// engine needs to start an alarm session without a backend round-trip.
type Payload struct {
	Version       int                `json:"version"`
	AlarmID       string             `json:"alarm_id" mapstructure:"alarmId"`
	OccurrenceID  string             `json:"occurrence_id,omitempty" mapstructure:"-"`
	Kind          TriggerKind        `json:"kind"`
	FireAt        time.Time          `json:"fire_at" mapstructure:"-"`
	Volume        float64            `json:"volume" mapstructure:"volume"`
	FadeInMs      int                `json:"fade_in_ms" mapstructure:"fadeInMs"`
	FadeOutMs     int                `json:"fade_out_ms" mapstructure:"fadeOutMs"`
	SoundID       string             `json:"sound_id" mapstructure:"soundId"`
	SnoozeEnabled bool               `json:"snooze_enabled" mapstructure:"snoozeEnabled"`
	SnoozeMinutes int                `json:"snooze_minutes" mapstructure:"snoozeMinutes"`
	SnoozeLimit   int                `json:"snooze_limit" mapstructure:"snoozeLimit"`
	WhiteNoise    *WhiteNoisePayload `json:"white_noise,omitempty" mapstructure:"-"`
}

// Encode serializes the payload.
func (p *Payload) Encode() ([]byte, error) {
	p.Version = PayloadVersion
	data, err := json.Marshal(p)
	return data, errors.Wrap(err, "encode wake payload")
}

// DecodePayload parses a wake payload, migrating legacy version-0 payloads
// (untyped key/value maps with camelCase keys) into the current schema.
func DecodePayload(data []byte) (*Payload, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "decode wake payload")
	}

	if probe.Version >= PayloadVersion {
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "decode wake payload")
		}
		if p.AlarmID == "" {
			return nil, errors.New("wake payload missing alarm id")
		}
		return &p, nil
	}

	return migrateLegacyPayload(data)
}

// migrateLegacyPayload decodes a pre-versioning payload map. The legacy
// shape used camelCase keys and flattened the white-noise fields.
func migrateLegacyPayload(data []byte) (*Payload, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode legacy wake payload")
	}

	var p Payload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build legacy payload decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "migrate legacy wake payload")
	}
	if p.AlarmID == "" {
		return nil, errors.New("legacy wake payload missing alarm id")
	}

	// Legacy payloads flattened the white-noise fields into the top-level map.
	if _, ok := raw["whiteNoiseSoundId"]; ok {
		var wn WhiteNoisePayload
		wnDec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &wn,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, errors.Wrap(err, "build legacy white-noise decoder")
		}
		if err := wnDec.Decode(raw); err != nil {
			return nil, errors.Wrap(err, "migrate legacy white-noise payload")
		}
		p.WhiteNoise = &wn
	}

	p.Version = PayloadVersion
	if p.Kind == "" {
		p.Kind = KindPrimary
	}
	return &p, nil
}
