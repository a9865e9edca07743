package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks synchronously rejected input. Match with errors.Is.
	ErrValidation = errors.New("validation error")

	ErrMissingDeviceID = fmt.Errorf("%w: macAddress is required", ErrValidation)
	ErrInvalidPayload  = fmt.Errorf("%w: payload must be a JSON object", ErrValidation)
)

// Telemetry field names as sent by the wearable firmware.
const (
	FieldMACAddress      = "macAddress"
	FieldMAC             = "mac"
	FieldDeviceID        = "deviceId"
	FieldStatus          = "status"
	FieldImpactCount     = "impact_count"
	FieldImpactMagnitude = "impact_magnitude"
	FieldFallDetected    = "isFallDetected"
	FieldButtonPressed   = "isButtonPressed"
	FieldTimestamp       = "timestamp"
	FieldReceivedAt      = "received_at"
)

// Telemetry is one device reading. Fields the service does not know about are
// kept as-is so they reach the snapshot and history untouched.
type Telemetry map[string]any

// DecodeTelemetry parses a raw JSON payload into a telemetry object.
func DecodeTelemetry(payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw == nil {
		return nil, ErrInvalidPayload
	}
	return raw, nil
}

// NormalizeTelemetry extracts the device MAC (macAddress, mac as sent over
// MQTT, or deviceId from early firmware) and returns the remaining fields. The status field is dropped; liveness
// is owned by the heartbeat path only.
func NormalizeTelemetry(raw map[string]any) (string, Telemetry, error) {
	mac := stringField(raw, FieldMACAddress)
	if mac == "" {
		mac = stringField(raw, FieldMAC)
	}
	if mac == "" {
		mac = stringField(raw, FieldDeviceID)
	}
	if mac == "" {
		return "", nil, ErrMissingDeviceID
	}

	t := make(Telemetry, len(raw))
	for k, v := range raw {
		switch k {
		case FieldMACAddress, FieldMAC, FieldDeviceID, FieldStatus:
			continue
		}
		t[k] = v
	}
	return mac, t, nil
}

func (t Telemetry) ImpactCount() int64 {
	if f, ok := toFloat(t[FieldImpactCount]); ok {
		return int64(f)
	}
	return 0
}

// ImpactMagnitude is nil when the reading carries no magnitude.
func (t Telemetry) ImpactMagnitude() *float64 {
	if f, ok := toFloat(t[FieldImpactMagnitude]); ok {
		return &f
	}
	return nil
}

func (t Telemetry) FallDetected() bool  { return truthy(t[FieldFallDetected]) }
func (t Telemetry) ButtonPressed() bool { return truthy(t[FieldButtonPressed]) }

// NumericFields returns the numeric and boolean fields, used for time-series
// archiving where strings and nested objects have no place.
func (t Telemetry) NumericFields() map[string]any {
	out := map[string]any{}
	for k, v := range t {
		switch val := v.(type) {
		case float64, bool:
			out[k] = val
		case json.Number:
			if f, err := val.Float64(); err == nil {
				out[k] = f
			}
		}
	}
	return out
}

// With returns a shallow copy carrying one extra field.
func (t Telemetry) With(key string, value any) Telemetry {
	out := make(Telemetry, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[key] = value
	return out
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return strings.TrimSpace(s)
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		return s == "true" || s == "1"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return false
}
