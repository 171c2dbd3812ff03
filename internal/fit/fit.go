// Package fit encodes a completed workout into a Garmin FIT activity file,
// grounded on the nibble-table CRC and header/data layout shown in the
// retrieved garminconnect FIT encoder, generalized here to emit real
// file_id, device_info, event, record, lap, session, and activity messages
// instead of a header-only stub.
package fit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Base type field values, per the FIT SDK's base-type byte encoding
// (reserved-bits | type-number).
const (
	baseTypeEnum    = 0x00
	baseTypeUint8   = 0x02
	baseTypeUint16  = 0x84
	baseTypeUint32  = 0x86
	baseTypeString  = 0x07
	baseTypeFloat32 = 0x88
	baseTypeSint8   = 0x01
)

const (
	headerSize        = 12
	protocolVersion    = 0x10 // 1.0
	profileVersion     = 2108
	garminEpochOffset  = 631065600 // UTC 00:00 Dec 31 1989, matches Unix epoch offset
	fileTypeActivity   = 4
)

// Global FIT message numbers used by this encoder.
const (
	mesgFileID     = 0
	mesgDeviceInfo = 23
	mesgEvent      = 21
	mesgRecord     = 20
	mesgLap        = 19
	mesgSession    = 18
	mesgActivity   = 34
)

// ManufacturerGarmin and ProductGeneric are the manufacturer/product pair
// written into file_id and device_info messages. spec.md §4.7 requires a
// stable, recognized manufacturer/product pair — a "development" or
// "unknown" manufacturer causes Garmin Connect to compute zero training
// load for the activity. ManufacturerGarmin is the FIT SDK's reserved
// "garmin" manufacturer id; exported so callers building device_info
// messages for other devices in the same activity (control.go) stay in
// sync with the value written here.
const (
	ManufacturerGarmin = 1
	ProductGeneric     = 0
)

const (
	sportCycling = 2
	sportRowing  = 15

	subSportIndoorCycling = 6
	subSportIndoorRowing  = 14

	eventTimer        = 0
	eventTypeStart    = 0
	eventTypeStopAll  = 4

	activityTypeManual = 0
)

// Point is one timestamped record to be written, mirroring the normalized
// telemetry.Sample fields this package cares about.
type Point struct {
	T               time.Time
	PowerW          *int
	CadenceRPM      *float64
	SpeedKPH        *float64 // converted to m/s on write, per spec.md §4.6 unit-fix
	DistanceM       *float64
	HeartRateBPM    *int
	ResistanceLevel *int
}

// Summary carries the aggregated totals written into the lap/session
// messages; it mirrors internal/workout.Summary without importing it, to
// keep this package's only dependency the standard library.
type Summary struct {
	StartTime       time.Time
	DurationS       int
	TotalDistanceM  float64
	TotalEnergyKcal float64
	AvgPowerW       float64
	MaxPowerW       int
	AvgHeartRateBPM float64
	MaxHeartRateBPM int
	AvgSpeedKPH     float64
}

// Sport selects the FIT sport/sub_sport pair written into lap and session.
type Sport string

const (
	SportBike  Sport = "bike"
	SportRower Sport = "rower"
)

// Encoder accumulates FIT messages and produces a complete, CRC-checked
// .fit file on Encode.
type Encoder struct {
	buf           bytes.Buffer
	definedRecord bool
	messageCount  int
}

// NewEncoder returns an empty encoder with the 12-byte placeholder header
// already written; Encode rewrites it once the final size is known.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.writeHeader(0)
	return e
}

func (e *Encoder) writeHeader(dataSize uint32) {
	hdr := make([]byte, 0, headerSize)
	hdr = append(hdr, byte(headerSize), protocolVersion)
	hdr = appendU16(hdr, profileVersion)
	hdr = appendU32(hdr, dataSize)
	hdr = append(hdr, '.', 'F', 'I', 'T')
	old := e.buf.Bytes()
	if len(old) >= headerSize {
		old = old[headerSize:]
	} else {
		old = nil
	}
	e.buf.Reset()
	e.buf.Write(hdr)
	e.buf.Write(old)
}

// WriteFileID emits the mandatory file_id message identifying this as an
// activity file, with the given device serial and start time.
func (e *Encoder) WriteFileID(serial uint32, start time.Time) {
	e.writeDefinition(mesgFileID, 0, []fieldDef{
		{num: 0, size: 1, base: baseTypeEnum},  // type
		{num: 1, size: 2, base: baseTypeUint16}, // manufacturer
		{num: 2, size: 2, base: baseTypeUint16}, // product
		{num: 3, size: 4, base: baseTypeUint32}, // serial_number
		{num: 4, size: 4, base: baseTypeUint32}, // time_created
	})
	e.writeDataRecord(0, []fieldValue{
		u8(fileTypeActivity),
		u16(ManufacturerGarmin),
		u16(ProductGeneric),
		u32(serial),
		u32(fitTimestamp(start)),
	})
}

// WriteDeviceInfo emits a device_info message describing the source
// equipment, e.g. for operator traceability in the resulting file.
func (e *Encoder) WriteDeviceInfo(serial uint32, manufacturer, product uint16, t time.Time) {
	e.writeDefinition(mesgDeviceInfo, 1, []fieldDef{
		{num: 253, size: 4, base: baseTypeUint32}, // timestamp
		{num: 3, size: 4, base: baseTypeUint32},   // serial_number
		{num: 0, size: 1, base: baseTypeUint8},    // device_index
		{num: 2, size: 2, base: baseTypeUint16},   // manufacturer
		{num: 4, size: 2, base: baseTypeUint16},   // product
	})
	e.writeDataRecord(1, []fieldValue{
		u32(fitTimestamp(t)),
		u32(serial),
		u8(0),
		u16(manufacturer),
		u16(product),
	})
}

// WriteEvent emits a timer start or stop_all event.
func (e *Encoder) WriteEvent(t time.Time, start bool) {
	e.writeDefinition(mesgEvent, 2, []fieldDef{
		{num: 253, size: 4, base: baseTypeUint32}, // timestamp
		{num: 0, size: 1, base: baseTypeEnum},     // event
		{num: 1, size: 1, base: baseTypeEnum},     // event_type
	})
	eventType := byte(eventTypeStopAll)
	if start {
		eventType = eventTypeStart
	}
	e.writeDataRecord(2, []fieldValue{
		u32(fitTimestamp(t)),
		u8(eventTimer),
		u8(eventType),
	})
}

// WriteRecord emits one record message. The definition is written once and
// reused for every subsequent record, per the FIT local-message-type model.
func (e *Encoder) WriteRecord(p Point) {
	if !e.definedRecord {
		e.writeDefinition(mesgRecord, 3, []fieldDef{
			{num: 253, size: 4, base: baseTypeUint32}, // timestamp
			{num: 7, size: 2, base: baseTypeUint16},   // power
			{num: 4, size: 1, base: baseTypeUint8},    // cadence
			{num: 6, size: 2, base: baseTypeUint16},   // speed (m/s * 1000)
			{num: 5, size: 4, base: baseTypeUint32},   // distance (m * 100)
			{num: 3, size: 1, base: baseTypeUint8},    // heart_rate
			{num: 10, size: 1, base: baseTypeUint8},   // resistance
		})
		e.definedRecord = true
	}

	speedMS := uint16(0xFFFF)
	if p.SpeedKPH != nil {
		speedMS = uint16(*p.SpeedKPH / 3.6 * 1000)
	}
	distanceCm := uint32(0xFFFFFFFF)
	if p.DistanceM != nil {
		distanceCm = uint32(*p.DistanceM * 100)
	}
	power := uint16(0xFFFF)
	if p.PowerW != nil {
		power = uint16(*p.PowerW)
	}
	cadence := uint8(0xFF)
	if p.CadenceRPM != nil {
		cadence = uint8(*p.CadenceRPM)
	}
	hr := uint8(0xFF)
	if p.HeartRateBPM != nil {
		hr = uint8(*p.HeartRateBPM)
	}
	resistance := uint8(0xFF)
	if p.ResistanceLevel != nil {
		resistance = uint8(*p.ResistanceLevel)
	}

	e.writeDataRecord(3, []fieldValue{
		u32(fitTimestamp(p.T)),
		{bytes: u16v(power)},
		{bytes: []byte{cadence}},
		{bytes: u16v(speedMS)},
		{bytes: u32v(distanceCm)},
		{bytes: []byte{hr}},
		{bytes: []byte{resistance}},
	})
}

// WriteLap emits a single lap message covering the whole workout — this
// encoder never splits a workout into multiple laps, per spec.md §4.6
// Non-goals.
func (e *Encoder) WriteLap(sport Sport, s Summary) {
	e.writeSportSummary(mesgLap, 4, sport, s)
}

// WriteSession emits the session message, carrying the same fields and
// values as the lap of a single-lap activity under the session message's
// own field numbers.
func (e *Encoder) WriteSession(sport Sport, s Summary) {
	e.writeSportSummary(mesgSession, 5, sport, s)
}

func (e *Encoder) writeSportSummary(mesgNum uint16, localType byte, sport Sport, s Summary) {
	// Field numbers of avg_heart_rate, max_heart_rate, avg_power, max_power,
	// avg_speed, sport and sub_sport differ between session and lap.
	nums := [7]byte{16, 17, 20, 21, 14, 5, 6} // session
	if mesgNum == mesgLap {
		nums = [7]byte{15, 16, 19, 20, 13, 25, 39}
	}
	e.writeDefinition(mesgNum, localType, []fieldDef{
		{num: 253, size: 4, base: baseTypeUint32}, // timestamp
		{num: 2, size: 4, base: baseTypeUint32},   // start_time
		{num: 7, size: 4, base: baseTypeUint32},   // total_elapsed_time (*1000)
		{num: 9, size: 4, base: baseTypeUint32},   // total_distance (*100)
		{num: 11, size: 2, base: baseTypeUint16},  // total_calories
		{num: nums[0], size: 2, base: baseTypeUint16}, // avg_heart_rate
		{num: nums[1], size: 2, base: baseTypeUint16}, // max_heart_rate
		{num: nums[2], size: 2, base: baseTypeUint16}, // avg_power
		{num: nums[3], size: 2, base: baseTypeUint16}, // max_power
		{num: nums[4], size: 2, base: baseTypeUint16}, // avg_speed (m/s * 1000)
		{num: nums[5], size: 1, base: baseTypeEnum},   // sport
		{num: nums[6], size: 1, base: baseTypeEnum},   // sub_sport
	})

	subSport := byte(subSportIndoorCycling)
	sportByte := byte(sportCycling)
	if sport == SportRower {
		sportByte = sportRowing
		subSport = subSportIndoorRowing
	}

	endTime := s.StartTime.Add(time.Duration(s.DurationS) * time.Second)
	avgSpeedMS := uint16(s.AvgSpeedKPH / 3.6 * 1000)

	e.writeDataRecord(localType, []fieldValue{
		u32(fitTimestamp(endTime)),
		u32(fitTimestamp(s.StartTime)),
		u32(uint32(s.DurationS) * 1000),
		u32(uint32(s.TotalDistanceM * 100)),
		{bytes: u16v(uint16(s.TotalEnergyKcal))},
		{bytes: u16v(uint16(s.AvgHeartRateBPM))},
		{bytes: u16v(uint16(s.MaxHeartRateBPM))},
		{bytes: u16v(uint16(s.AvgPowerW))},
		{bytes: u16v(uint16(s.MaxPowerW))},
		{bytes: u16v(avgSpeedMS)},
		{bytes: []byte{sportByte}},
		{bytes: []byte{subSport}},
	})
}

// WriteActivity emits the terminal activity message.
func (e *Encoder) WriteActivity(end time.Time, numSessions uint16) {
	e.writeDefinition(mesgActivity, 6, []fieldDef{
		{num: 253, size: 4, base: baseTypeUint32}, // timestamp
		{num: 0, size: 4, base: baseTypeUint32},   // total_timer_time (*1000)
		{num: 1, size: 2, base: baseTypeUint16},   // num_sessions
		{num: 2, size: 1, base: baseTypeEnum},     // type
		{num: 3, size: 1, base: baseTypeEnum},     // event
		{num: 4, size: 1, base: baseTypeEnum},     // event_type
	})
	e.writeDataRecord(6, []fieldValue{
		u32(fitTimestamp(end)),
		u32(0),
		{bytes: u16v(numSessions)},
		u8(activityTypeManual),
		u8(eventTimer),
		u8(eventTypeStopAll),
	})
}

// Encode finalizes the header with the true data size and appends the
// CRC16 trailer, per the FIT file format.
func (e *Encoder) Encode() ([]byte, error) {
	if e.messageCount == 0 {
		return nil, fmt.Errorf("fit: no messages written")
	}
	dataSize := uint32(e.buf.Len() - headerSize)
	e.writeHeader(dataSize)
	crc := crc16(e.buf.Bytes())
	e.buf.Write(u16v(crc))
	return e.buf.Bytes(), nil
}

func fitTimestamp(t time.Time) uint32 {
	return uint32(t.Unix() - garminEpochOffset)
}

// --- wire-format primitives ---

type fieldDef struct {
	num  byte
	size byte
	base byte
}

type fieldValue struct {
	bytes []byte
}

func u8(v byte) fieldValue   { return fieldValue{bytes: []byte{v}} }
func u16(v uint16) fieldValue { return fieldValue{bytes: u16v(v)} }
func u32(v uint32) fieldValue { return fieldValue{bytes: u32v(v)} }

func u16v(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32v(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func appendU16(dst []byte, v uint16) []byte { return append(dst, u16v(v)...) }
func appendU32(dst []byte, v uint32) []byte { return append(dst, u32v(v)...) }

// writeDefinition emits a FIT definition message for local message type
// localType, architecture 0 (little-endian).
func (e *Encoder) writeDefinition(globalMesgNum uint16, localType byte, fields []fieldDef) {
	recordHeader := 0x40 | localType&0x0F // definition message, normal header
	e.buf.WriteByte(recordHeader)
	e.buf.WriteByte(0) // reserved
	e.buf.WriteByte(0) // architecture: little-endian
	e.buf.Write(u16v(globalMesgNum))
	e.buf.WriteByte(byte(len(fields)))
	for _, f := range fields {
		e.buf.WriteByte(f.num)
		e.buf.WriteByte(f.size)
		e.buf.WriteByte(f.base)
	}
}

// writeDataRecord emits a data message for local message type localType.
// The normal header's low nibble selects which prior definition applies.
func (e *Encoder) writeDataRecord(localType byte, values []fieldValue) {
	recordHeader := localType & 0x0F // normal header, data message
	e.buf.WriteByte(recordHeader)
	for _, v := range values {
		e.buf.Write(v.bytes)
	}
	e.messageCount++
}

// crc16 computes the FIT CRC using the standard 16-entry nibble lookup
// table (polynomial 0xA001), per the grounded reference encoder.
func crc16(data []byte) uint16 {
	table := [16]uint16{
		0x0000, 0xCC01, 0xD801, 0x1400, 0xF001, 0x3C00, 0x2800, 0xE401,
		0xA001, 0x6C00, 0x7800, 0xB401, 0x5000, 0x9C01, 0x8801, 0x4400,
	}
	var crc uint16
	for _, b := range data {
		tmp := table[crc&0xF]
		crc = (crc >> 4) & 0x0FFF
		crc = crc ^ tmp ^ table[b&0xF]

		tmp = table[crc&0xF]
		crc = (crc >> 4) & 0x0FFF
		crc = crc ^ tmp ^ table[(b>>4)&0xF]
	}
	return crc
}
