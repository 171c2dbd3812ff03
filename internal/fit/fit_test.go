package fit

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_HeaderAndCRC(t *testing.T) {
	e := NewEncoder()
	start := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	e.WriteFileID(12345, start)
	e.WriteEvent(start, true)
	e.WriteRecord(Point{T: start.Add(time.Second), PowerW: intPtr(180), SpeedKPH: floatPtr(28.5), DistanceM: floatPtr(7.9)})
	end := start.Add(10 * time.Minute)
	e.WriteEvent(end, false)

	summary := Summary{StartTime: start, DurationS: 600, TotalDistanceM: 4500, AvgPowerW: 175, MaxPowerW: 240, AvgSpeedKPH: 27, AvgHeartRateBPM: 140, MaxHeartRateBPM: 170}
	e.WriteLap(SportBike, summary)
	e.WriteSession(SportBike, summary)
	e.WriteActivity(end, 1)

	data, err := e.Encode()
	require.NoError(t, err)
	require.Greater(t, len(data), headerSize+2)

	// Header sanity: size byte, protocol version, 4-byte data size matching
	// the body between header and CRC trailer, and the ".FIT" signature.
	assert.Equal(t, byte(headerSize), data[0])
	assert.Equal(t, byte(protocolVersion), data[1])
	dataSize := binary.LittleEndian.Uint32(data[4:8])
	assert.Equal(t, uint32(len(data)-headerSize-2), dataSize)
	assert.Equal(t, ".FIT", string(data[8:12]))

	// CRC trailer must verify: recomputing over everything but the trailer
	// itself must match the two appended bytes.
	body := data[:len(data)-2]
	wantCRC := binary.LittleEndian.Uint16(data[len(data)-2:])
	assert.Equal(t, wantCRC, crc16(body))
}

func TestEncoder_SpeedConvertedToMetersPerSecond(t *testing.T) {
	e := NewEncoder()
	start := time.Now()
	e.WriteFileID(1, start)
	e.WriteRecord(Point{T: start, SpeedKPH: floatPtr(36.0)}) // 36 km/h = 10 m/s
	data, err := e.Encode()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	// Header (12) + file_id definition (21) + file_id data (14) + record
	// definition (27) put the record data message at offset 74; its speed
	// field follows the record header, timestamp, power and cadence
	// (1+4+2+1 bytes) and holds m/s * 1000.
	speed := binary.LittleEndian.Uint16(data[82:84])
	assert.Equal(t, uint16(10000), speed)
}

func TestEncoder_NoMessagesIsAnError(t *testing.T) {
	e := NewEncoder()
	_, err := e.Encode()
	assert.Error(t, err)
}

func intPtr(v int) *int          { return &v }
func floatPtr(v float64) *float64 { return &v }
