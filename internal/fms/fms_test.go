package fms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

func TestDecodeIndoorBikeData_SpeedOnly(t *testing.T) {
	d := NewDecoder()
	// flags = 0 (no optional fields beyond the always-present inst speed),
	// inst speed = 0x03E8 (1000) * 0.01 = 10.00 kph.
	buf := []byte{0x00, 0x00, 0xE8, 0x03}
	s, err := d.DecodeIndoorBikeData(time.Now(), buf)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NotNil(t, s.InstantSpeedKPH)
	assert.InDelta(t, 10.00, *s.InstantSpeedKPH, 0.001)
	assert.Equal(t, telemetry.KindBike, s.Kind)
}

func TestDecodeIndoorBikeData_Fragmented(t *testing.T) {
	d := NewDecoder()
	// Fragment 1: more_data=1 (flags=0x0001), no inst speed per spec (absent
	// when more_data set); carries some trailing bytes that belong to a
	// later field in the eventual assembled record.
	frag1 := []byte{0x01, 0x00, 0xE8, 0x03}
	s, err := d.DecodeIndoorBikeData(time.Now(), frag1)
	require.NoError(t, err)
	assert.Nil(t, s, "a non-terminal fragment must not yield a Sample")

	// Fragment 2: more_data=0 (flags=0x0000) terminates the record. Its own
	// flags prefix becomes authoritative; the assembled record is
	// [0x00,0x00, 0xE8,0x03] (fragment 1's trailing bytes provide the inst
	// speed field now that flags says it is present).
	frag2 := []byte{0x00, 0x00}
	s, err = d.DecodeIndoorBikeData(time.Now(), frag2)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NotNil(t, s.InstantSpeedKPH)
	assert.InDelta(t, 10.00, *s.InstantSpeedKPH, 0.001)
}

func TestDecodeIndoorBikeData_PowerAndHeartRate(t *testing.T) {
	d := NewDecoder()
	// flags: bit0=0 (speed present), bit6=1 (inst power), bit9=1 (heart rate)
	flags := uint16(1<<6 | 1<<9)
	buf := make([]byte, 0)
	buf = appendU16(buf, flags)
	buf = appendU16(buf, 2500) // inst speed 25.00 kph
	buf = appendI16(buf, 220)  // inst power 220W
	buf = append(buf, 145)     // heart rate 145bpm

	s, err := d.DecodeIndoorBikeData(time.Now(), buf)
	require.NoError(t, err)
	require.NotNil(t, s.InstantPowerW)
	assert.Equal(t, 220, *s.InstantPowerW)
	require.NotNil(t, s.HeartRateBPM)
	assert.Equal(t, 145, *s.HeartRateBPM)
	require.NotNil(t, s.InstantSpeedKPH)
	assert.InDelta(t, 25.00, *s.InstantSpeedKPH, 0.001)
}

func TestDecodeIndoorBikeData_NotAvailableSentinelsOmitted(t *testing.T) {
	d := NewDecoder()
	flags := uint16(0) // speed present
	buf := make([]byte, 0)
	buf = appendU16(buf, flags)
	buf = appendU16(buf, na16) // speed = n/a
	s, err := d.DecodeIndoorBikeData(time.Now(), buf)
	require.NoError(t, err)
	assert.Nil(t, s.InstantSpeedKPH, "n/a sentinel must decode to a nil pointer, never zero")
}

func TestDecodeIndoorBikeData_Truncated(t *testing.T) {
	d := NewDecoder()
	_, err := d.DecodeIndoorBikeData(time.Now(), []byte{0x00})
	assert.Error(t, err)
	assert.Equal(t, 1, d.Malformed)
}

func TestDecodeRowerData_StrokeRateAndDistance(t *testing.T) {
	d := NewDecoder()
	// flags: bit0=0 (stroke rate+count present), bit2=1 (total distance)
	flags := uint16(1 << 2)
	buf := make([]byte, 0)
	buf = appendU16(buf, flags)
	buf = append(buf, 40) // stroke rate raw = 40 -> 20.0 spm
	buf = appendU16(buf, 120) // stroke count, consumed not retained
	buf = append(buf, 0x10, 0x27, 0x00) // total distance = 0x002710 = 10000m

	s, err := d.DecodeRowerData(time.Now(), buf)
	require.NoError(t, err)
	require.NotNil(t, s.StrokeRateSPM)
	assert.InDelta(t, 20.0, *s.StrokeRateSPM, 0.001)
	require.NotNil(t, s.TotalDistanceM)
	assert.InDelta(t, 10000.0, *s.TotalDistanceM, 0.001)
	assert.Equal(t, telemetry.KindRower, s.Kind)
}

func TestMonotonic_SameWallClockTick(t *testing.T) {
	d := NewDecoder()
	now := time.Now()
	buf := []byte{0x00, 0x00, 0xE8, 0x03}
	s1, err := d.DecodeIndoorBikeData(now, buf)
	require.NoError(t, err)
	s2, err := d.DecodeIndoorBikeData(now, buf) // identical wall-clock time
	require.NoError(t, err)
	assert.True(t, s2.T.After(s1.T), "second record decoded at an identical wall-clock time must still advance")
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendI16(b []byte, v int16) []byte {
	return appendU16(b, uint16(v))
}
