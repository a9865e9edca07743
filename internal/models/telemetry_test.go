package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTelemetry_ExtractsMACAndKeepsUnknownFields(t *testing.T) {
	raw, err := DecodeTelemetry([]byte(`{
		"macAddress":" AA:BB:CC:DD:EE:01 ",
		"status":"online",
		"impact_count":3,
		"impact_magnitude":2.5,
		"isFallDetected":true,
		"battery":87,
		"firmware":"1.2.0"
	}`))
	require.NoError(t, err)

	mac, tel, err := NormalizeTelemetry(raw)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", mac)
	assert.NotContains(t, tel, FieldMACAddress)
	assert.NotContains(t, tel, FieldStatus)
	assert.Equal(t, float64(87), tel["battery"])
	assert.Equal(t, "1.2.0", tel["firmware"])

	assert.Equal(t, int64(3), tel.ImpactCount())
	require.NotNil(t, tel.ImpactMagnitude())
	assert.Equal(t, 2.5, *tel.ImpactMagnitude())
	assert.True(t, tel.FallDetected())
	assert.False(t, tel.ButtonPressed())
}

func TestNormalizeTelemetry_AcceptsShortMACField(t *testing.T) {
	mac, _, err := NormalizeTelemetry(map[string]any{"mac": "AA:01"})
	require.NoError(t, err)
	assert.Equal(t, "AA:01", mac)

	mac, tel, err := NormalizeTelemetry(map[string]any{"deviceId": "AA:02", "impact_count": 1.0})
	require.NoError(t, err)
	assert.Equal(t, "AA:02", mac)
	assert.NotContains(t, tel, "deviceId")
}

func TestNormalizeTelemetry_MissingMACIsValidationError(t *testing.T) {
	for _, raw := range []map[string]any{
		{},
		{"macAddress": ""},
		{"macAddress": "   "},
		{"macAddress": 42},
	} {
		_, _, err := NormalizeTelemetry(raw)
		assert.ErrorIs(t, err, ErrValidation)
		assert.True(t, errors.Is(err, ErrMissingDeviceID))
	}
}

func TestDecodeTelemetry_RejectsNonObjects(t *testing.T) {
	for _, payload := range []string{`[1,2]`, `null`, `not json`} {
		_, err := DecodeTelemetry([]byte(payload))
		assert.ErrorIs(t, err, ErrValidation, payload)
	}
}

func TestTelemetry_TruthyFlags(t *testing.T) {
	assert.True(t, Telemetry{FieldButtonPressed: "true"}.ButtonPressed())
	assert.True(t, Telemetry{FieldButtonPressed: float64(1)}.ButtonPressed())
	assert.False(t, Telemetry{FieldButtonPressed: float64(0)}.ButtonPressed())
	assert.False(t, Telemetry{}.FallDetected())
	assert.Nil(t, Telemetry{}.ImpactMagnitude())
	assert.Equal(t, int64(0), Telemetry{}.ImpactCount())
}

func TestTelemetry_NumericFields(t *testing.T) {
	tel := Telemetry{"temperature": 21.5, "isFallDetected": false, "note": "x", "nested": map[string]any{}}
	fields := tel.NumericFields()
	assert.Equal(t, map[string]any{"temperature": 21.5, "isFallDetected": false}, fields)
}

func TestNewAlertEvent_SeverityByKind(t *testing.T) {
	now := time.Now()
	fall := NewAlertEvent("AA", nil, EventTypeFallDetected, Telemetry{}, now)
	assert.Equal(t, SeverityHigh, fall.Severity)
	assert.Equal(t, AlertStatusPending, fall.Status)

	sos := NewAlertEvent("AA", nil, EventTypeSOSButton, Telemetry{}, now)
	assert.Equal(t, SeverityCritical, sos.Severity)
	assert.Equal(t, "SOS button pressed", sos.Notes)
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"usuario": RoleOwner, "owner": RoleOwner,
		"cuidador": RoleObserver, "Caregiver": RoleObserver,
		"admin": RoleSupervisor, "supervisor": RoleSupervisor,
	}
	for in, want := range cases {
		got, ok := ParseRole(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseRole("guest")
	assert.False(t, ok)
}
