// Package fms decodes Fitness Machine Service Indoor Bike Data and Rower
// Data notifications into telemetry.Sample values.
//
// https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
package fms

import (
	"encoding/binary"
	"time"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

// Characteristic UUIDs, as scanned from the FTMS primary service (0x1826).
const (
	ServiceUUID             = "00001826-0000-1000-8000-00805f9b34fb"
	IndoorBikeDataUUID      = "00002ad2-0000-1000-8000-00805f9b34fb"
	RowerDataUUID           = "00002ad1-0000-1000-8000-00805f9b34fb"
	FitnessMachineFeatureID = "00002acc-0000-1000-8000-00805f9b34fb"
)

// na16 and na24 are the FMS "Data Not Available" sentinels for fields that
// use those widths; absence always maps to a nil pointer, never a zero.
const (
	na16 = 0xFFFF
	na24 = 0xFFFFFF
	na8  = 0xFF
)

// Decoder holds per-characteristic fragmentation state. More Data = 1
// buffers a partial record; the next notification either completes it
// (More Data = 0) or, if it also starts a new fragment, discards the stale
// buffer and bumps Malformed.
type Decoder struct {
	ibdBuf []byte
	rdBuf  []byte

	Malformed      int // discarded: truncated payload, or fragment collision
	UnknownSuffix  int // known bits parsed, unknown trailing bytes ignored
	lastAssignedAt time.Time
}

// NewDecoder returns a Decoder with empty fragmentation state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset clears fragmentation buffers; callers invoke this on disconnect, per
// spec ("Fragmentation state is per-characteristic and reset on
// disconnect").
func (d *Decoder) Reset() {
	d.ibdBuf = nil
	d.rdBuf = nil
}

// nextT assigns a codec-level monotonic timestamp. The device source façade
// re-applies its own stricter monotonic rule on top of this; this guards
// against two records decoded in the same wall-clock tick within the codec
// itself.
func (d *Decoder) nextT(now time.Time) time.Time {
	if d.lastAssignedAt.IsZero() || now.After(d.lastAssignedAt) {
		d.lastAssignedAt = now
		return now
	}
	d.lastAssignedAt = d.lastAssignedAt.Add(time.Microsecond)
	return d.lastAssignedAt
}

// DecodeIndoorBikeData assembles and decodes one IBD notification. It
// returns a non-nil Sample only when `buf` completes a record (More Data
// bit clear); fragments return (nil, nil), and a notification too short to
// hold the flags field returns errTruncated.
func (d *Decoder) DecodeIndoorBikeData(now time.Time, buf []byte) (*telemetry.Sample, error) {
	complete, ok := d.assemble(&d.ibdBuf, buf)
	if !ok {
		if len(buf) < 2 {
			return nil, errTruncated
		}
		return nil, nil
	}
	return d.parseIndoorBikeData(now, complete)
}

// DecodeRowerData assembles and decodes one RD notification, mirroring
// DecodeIndoorBikeData.
func (d *Decoder) DecodeRowerData(now time.Time, buf []byte) (*telemetry.Sample, error) {
	complete, ok := d.assemble(&d.rdBuf, buf)
	if !ok {
		if len(buf) < 2 {
			return nil, errTruncated
		}
		return nil, nil
	}
	return d.parseRowerData(now, complete)
}

// assemble implements the per-characteristic buffering rule: bit 0 of the
// little-endian flags field is "More Data". Reading flags requires at least
// 2 bytes; a shorter fragment is truncated and discarded.
// assemble implements the buffering rule. Each fragment carries its own
// 2-byte flags prefix; non-terminal fragments (More Data=1) contribute only
// the bytes after their flags prefix, accumulated in `state`. The
// terminating fragment (More Data=0) supplies the authoritative flags for
// the whole reassembled record: its own prefix is written first, followed
// by every accumulated fragment payload in arrival order, followed by its
// own trailing payload.
func (d *Decoder) assemble(state *[]byte, buf []byte) ([]byte, bool) {
	if len(buf) < 2 {
		d.Malformed++
		*state = nil
		return nil, false
	}
	flags := binary.LittleEndian.Uint16(buf[0:2])
	moreData := flags&0x0001 != 0
	payload := buf[2:]

	if moreData {
		if *state != nil {
			// A fragment head arriving while one is already buffered means
			// the previous partial record was abandoned mid-stream.
			d.Malformed++
		}
		*state = make([]byte, 0, len(payload))
		*state = append(*state, payload...)
		return nil, false
	}

	complete := make([]byte, 0, 2+len(*state)+len(payload))
	complete = append(complete, buf[0:2]...)
	complete = append(complete, *state...)
	complete = append(complete, payload...)
	*state = nil
	return complete, true
}

type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.b) - c.pos }

func (c *cursor) u8() (byte, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	v := c.b[c.pos]
	c.pos++
	return v, true
}

func (c *cursor) u16() (uint16, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(c.b[c.pos:])
	c.pos += 2
	return v, true
}

func (c *cursor) i16() (int16, bool) {
	v, ok := c.u16()
	return int16(v), ok
}

func (c *cursor) u24() (uint32, bool) {
	if c.remaining() < 3 {
		return 0, false
	}
	v := uint32(c.b[c.pos]) | uint32(c.b[c.pos+1])<<8 | uint32(c.b[c.pos+2])<<16
	c.pos += 3
	return v, true
}

// parseIndoorBikeData decodes a complete IBD record per the field order in
// spec.md §4.2: flags, [inst speed unless more-data], avg speed, inst
// cadence, avg cadence, total distance, resistance, inst power, avg power,
// total energy (+ per-hour, per-minute), HR, MET, elapsed time, remaining
// time.
func (d *Decoder) parseIndoorBikeData(now time.Time, buf []byte) (*telemetry.Sample, error) {
	c := cursor{b: buf}
	flagsRaw, ok := c.u16()
	if !ok {
		d.Malformed++
		return nil, errTruncated
	}
	flags := ibdFlags(flagsRaw)

	s := &telemetry.Sample{T: d.nextT(now), Kind: telemetry.KindBike}

	if !flags.moreData() {
		if v, ok := c.u16(); ok && v != na16 {
			kph := float64(v) * 0.01
			s.InstantSpeedKPH = &kph
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.avgSpeed() {
		if _, ok := c.u16(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
		// average speed is recomputed server-side from samples; the
		// device-reported value is consumed but not retained.
	}
	if flags.instCadence() {
		if v, ok := c.u16(); ok && v != na16 {
			rpm := float64(v) * 0.5
			s.InstantCadenceRPM = &rpm
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.avgCadence() {
		if _, ok := c.u16(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.totalDistance() {
		if v, ok := c.u24(); ok && v != na24 {
			m := float64(v)
			s.TotalDistanceM = &m
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.resistance() {
		if v, ok := c.i16(); ok {
			level := int(v)
			s.ResistanceLevel = &level
		} else {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.instPower() {
		if v, ok := c.i16(); ok {
			w := int(v)
			s.InstantPowerW = &w
		} else {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.avgPower() {
		if v, ok := c.i16(); ok {
			w := int(v)
			s.AvgPowerW = &w
		} else {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.expendedEnergy() {
		if v, ok := c.u16(); ok && v != na16 {
			kcal := float64(v)
			s.TotalEnergyKcal = &kcal
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
		if _, ok := c.u16(); !ok { // energy per hour
			d.Malformed++
			return nil, errTruncated
		}
		if v, ok := c.u8(); !ok || v == na8 {
			if !ok {
				d.Malformed++
				return nil, errTruncated
			}
			// 0xFF on the UINT8 energy-per-minute field is n/a; ignored.
		}
	}
	if flags.heartRate() {
		if v, ok := c.u8(); ok && v != na8 && v != 0 {
			hr := int(v)
			s.HeartRateBPM = &hr
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.metabolicEquivalent() {
		if _, ok := c.u8(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.elapsedTime() {
		if v, ok := c.u16(); ok {
			secs := int(v)
			s.ElapsedTimeS = &secs
		} else {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.remainingTime() {
		if _, ok := c.u16(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if c.remaining() > 0 {
		d.UnknownSuffix++
	}
	return s, nil
}

// parseRowerData decodes a complete RD record per the rower flag layout:
// stroke rate (res 0.5 spm), stroke count, avg stroke rate, total distance,
// inst/avg pace, inst/avg power, resistance, total/per-hour/per-minute
// energy, HR, MET, elapsed, remaining.
func (d *Decoder) parseRowerData(now time.Time, buf []byte) (*telemetry.Sample, error) {
	c := cursor{b: buf}
	flagsRaw, ok := c.u16()
	if !ok {
		d.Malformed++
		return nil, errTruncated
	}
	flags := rdFlags(flagsRaw)

	s := &telemetry.Sample{T: d.nextT(now), Kind: telemetry.KindRower}

	// Stroke rate + stroke count are always present together unless the
	// More Data bit is set (mirrors IBD's "present unless more data").
	if !flags.moreData() {
		if v, ok := c.u8(); ok {
			spm := float64(v) * 0.5
			s.StrokeRateSPM = &spm
		} else {
			d.Malformed++
			return nil, errTruncated
		}
		if _, ok := c.u16(); !ok { // stroke count
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.avgStrokeRate() {
		if _, ok := c.u8(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.totalDistance() {
		if v, ok := c.u24(); ok && v != na24 {
			m := float64(v)
			s.TotalDistanceM = &m
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.instPace() {
		if v, ok := c.u16(); ok && v != na16 {
			// seconds per 500m; converted to speed for the normalized model.
			if v > 0 {
				kph := (500.0 / float64(v)) * 3.6
				s.InstantSpeedKPH = &kph
			}
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.avgPace() {
		if _, ok := c.u16(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.instPower() {
		if v, ok := c.i16(); ok {
			w := int(v)
			s.InstantPowerW = &w
		} else {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.avgPower() {
		if v, ok := c.i16(); ok {
			w := int(v)
			s.AvgPowerW = &w
		} else {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.resistance() {
		if v, ok := c.i16(); !ok {
			d.Malformed++
			return nil, errTruncated
		} else {
			level := int(v)
			s.ResistanceLevel = &level
		}
	}
	if flags.energy() {
		if v, ok := c.u16(); ok && v != na16 {
			kcal := float64(v)
			s.TotalEnergyKcal = &kcal
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
		if _, ok := c.u16(); !ok { // energy per hour
			d.Malformed++
			return nil, errTruncated
		}
		if v, ok := c.u8(); !ok {
			d.Malformed++
			return nil, errTruncated
		} else if v == na8 {
			// n/a, ignored
		}
	}
	if flags.heartRate() {
		if v, ok := c.u8(); ok && v != na8 && v != 0 {
			hr := int(v)
			s.HeartRateBPM = &hr
		} else if !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.metabolicEquivalent() {
		if _, ok := c.u8(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.elapsedTime() {
		if v, ok := c.u16(); ok {
			secs := int(v)
			s.ElapsedTimeS = &secs
		} else {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if flags.remainingTime() {
		if _, ok := c.u16(); !ok {
			d.Malformed++
			return nil, errTruncated
		}
	}
	if c.remaining() > 0 {
		d.UnknownSuffix++
	}
	return s, nil
}

type ibdFlags uint16

func (f ibdFlags) bit(n uint) bool    { return f&(1<<n) != 0 }
func (f ibdFlags) moreData() bool     { return f.bit(0) }
func (f ibdFlags) avgSpeed() bool     { return f.bit(1) }
func (f ibdFlags) instCadence() bool  { return f.bit(2) }
func (f ibdFlags) avgCadence() bool   { return f.bit(3) }
func (f ibdFlags) totalDistance() bool { return f.bit(4) }
func (f ibdFlags) resistance() bool   { return f.bit(5) }
func (f ibdFlags) instPower() bool    { return f.bit(6) }
func (f ibdFlags) avgPower() bool     { return f.bit(7) }
func (f ibdFlags) expendedEnergy() bool     { return f.bit(8) }
func (f ibdFlags) heartRate() bool          { return f.bit(9) }
func (f ibdFlags) metabolicEquivalent() bool { return f.bit(10) }
func (f ibdFlags) elapsedTime() bool        { return f.bit(11) }
func (f ibdFlags) remainingTime() bool      { return f.bit(12) }

type rdFlags uint16

func (f rdFlags) bit(n uint) bool     { return f&(1<<n) != 0 }
func (f rdFlags) moreData() bool      { return f.bit(0) }
func (f rdFlags) avgStrokeRate() bool { return f.bit(1) }
func (f rdFlags) totalDistance() bool { return f.bit(2) }
func (f rdFlags) instPace() bool      { return f.bit(3) }
func (f rdFlags) avgPace() bool       { return f.bit(4) }
func (f rdFlags) instPower() bool     { return f.bit(5) }
func (f rdFlags) avgPower() bool      { return f.bit(6) }
func (f rdFlags) resistance() bool    { return f.bit(7) }
func (f rdFlags) energy() bool        { return f.bit(8) }
func (f rdFlags) heartRate() bool     { return f.bit(9) }
func (f rdFlags) metabolicEquivalent() bool { return f.bit(10) }
func (f rdFlags) elapsedTime() bool   { return f.bit(11) }
func (f rdFlags) remainingTime() bool { return f.bit(12) }
