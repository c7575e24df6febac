package battery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Battery state bits of BST.
const (
	StateDischarging uint32 = 0x01
	StateCharging    uint32 = 0x02
	StateCritical    uint32 = 0x04
)

// STA bits.
const (
	StaOK      uint32 = 0x0f
	StaPresent uint32 = 0x10
)

// PowerUnitMA indicates capacities in mAh and rates in mA, otherwise mWh and mW.
const PowerUnitMA uint32 = 1

// Record sizes.
const (
	BIXLen = 1 + 15*4 + modelLen + serialLen + typeLen + oemInfoLen
	BSTLen = 4 * 4

	modelLen   = 21
	serialLen  = 11
	typeLen    = 5
	oemInfoLen = 21
)

// BIX is the static battery information.
type BIX struct {
	Revision            uint8
	PowerUnit           uint32
	DesignCap           uint32
	LastFullChargeCap   uint32
	Technology          uint32
	DesignVoltage       uint32
	DesignCapWarn       uint32
	DesignCapLow        uint32
	CycleCount          uint32
	MeasurementAccuracy uint32
	MaxSamplingTime     uint32
	MinSamplingTime     uint32
	MaxAvgInterval      uint32
	MinAvgInterval      uint32
	CapGranularity1     uint32
	CapGranularity2     uint32
	Model               string
	Serial              string
	Type                string
	OEMInfo             string
}

func (b *BIX) fields() []*uint32 {
	return []*uint32{
		&b.PowerUnit, &b.DesignCap, &b.LastFullChargeCap, &b.Technology,
		&b.DesignVoltage, &b.DesignCapWarn, &b.DesignCapLow, &b.CycleCount,
		&b.MeasurementAccuracy, &b.MaxSamplingTime, &b.MinSamplingTime,
		&b.MaxAvgInterval, &b.MinAvgInterval, &b.CapGranularity1, &b.CapGranularity2,
	}
}

func (b *BIX) strings() []struct {
	s *string
	n int
} {
	return []struct {
		s *string
		n int
	}{
		{&b.Model, modelLen}, {&b.Serial, serialLen}, {&b.Type, typeLen}, {&b.OEMInfo, oemInfoLen},
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *BIX) MarshalBinary() ([]byte, error) {
	data := make([]byte, BIXLen)
	data[0] = b.Revision
	off := 1
	for _, v := range b.fields() {
		binary.LittleEndian.PutUint32(data[off:], *v)
		off += 4
	}
	for _, f := range b.strings() {
		if len(*f.s) >= f.n {
			return nil, fmt.Errorf("string %q exceeds %d bytes", *f.s, f.n-1)
		}
		copy(data[off:off+f.n], *f.s)
		off += f.n
	}
	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *BIX) UnmarshalBinary(data []byte) error {
	if len(data) != BIXLen {
		return fmt.Errorf("invalid BIX length %d", len(data))
	}
	b.Revision = data[0]
	off := 1
	for _, v := range b.fields() {
		*v = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	for _, f := range b.strings() {
		*f.s = cString(data[off : off+f.n])
		off += f.n
	}
	return nil
}

func cString(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}

// TechnologyKind returns the chemistry derived from the type string.
func (b *BIX) TechnologyKind() Technology {
	t := b.Type
	switch {
	case strings.EqualFold(t, "NiCd"):
		return TechnologyNiCd
	case strings.EqualFold(t, "NiMH"):
		return TechnologyNiMH
	case strings.EqualFold(t, "LION"):
		return TechnologyLiIon
	case len(t) >= 6 && strings.EqualFold(t[:6], "LI-ION"):
		return TechnologyLiIon
	case strings.EqualFold(t, "LiP"):
		return TechnologyLiPo
	}
	return TechnologyUnknown
}

// BST is the dynamic battery state.
type BST struct {
	State          uint32
	PresentRate    uint32
	RemainingCap   uint32
	PresentVoltage uint32
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *BST) MarshalBinary() ([]byte, error) {
	data := make([]byte, BSTLen)
	binary.LittleEndian.PutUint32(data[0:], b.State)
	binary.LittleEndian.PutUint32(data[4:], b.PresentRate)
	binary.LittleEndian.PutUint32(data[8:], b.RemainingCap)
	binary.LittleEndian.PutUint32(data[12:], b.PresentVoltage)
	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *BST) UnmarshalBinary(data []byte) error {
	if len(data) != BSTLen {
		return fmt.Errorf("invalid BST length %d", len(data))
	}
	b.State = binary.LittleEndian.Uint32(data[0:])
	b.PresentRate = binary.LittleEndian.Uint32(data[4:])
	b.RemainingCap = binary.LittleEndian.Uint32(data[8:])
	b.PresentVoltage = binary.LittleEndian.Uint32(data[12:])
	return nil
}
