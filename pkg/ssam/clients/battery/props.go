package battery

import (
	"time"
)

// Status is the charging status.
type Status int

// Charging status.
const (
	StatusUnknown Status = iota
	StatusCharging
	StatusDischarging
	StatusNotCharging
	StatusFull
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusCharging:
		return "Charging"
	case StatusDischarging:
		return "Discharging"
	case StatusNotCharging:
		return "Not charging"
	case StatusFull:
		return "Full"
	}
	return "Unknown"
}

// CapacityLevel is the coarse capacity level.
type CapacityLevel int

// Capacity levels.
const (
	LevelUnknown CapacityLevel = iota
	LevelCritical
	LevelLow
	LevelNormal
	LevelFull
)

// String implements fmt.Stringer.
func (l CapacityLevel) String() string {
	switch l {
	case LevelCritical:
		return "Critical"
	case LevelLow:
		return "Low"
	case LevelNormal:
		return "Normal"
	case LevelFull:
		return "Full"
	}
	return "Unknown"
}

// Technology is the battery chemistry.
type Technology int

// Technologies.
const (
	TechnologyUnknown Technology = iota
	TechnologyNiMH
	TechnologyLiIon
	TechnologyLiPo
	TechnologyNiCd
)

// String implements fmt.Stringer.
func (t Technology) String() string {
	switch t {
	case TechnologyNiMH:
		return "NiMH"
	case TechnologyLiIon:
		return "Li-ion"
	case TechnologyLiPo:
		return "Li-poly"
	case TechnologyNiCd:
		return "NiCd"
	}
	return "Unknown"
}

// Properties are derived from BIX and BST. Capacities are in µAh or µWh,
// rates in µA or µW, depending on ChargeUnits.
type Properties struct {
	Name             string        `json:"name"`
	Present          bool          `json:"present"`
	Status           Status        `json:"status"`
	Technology       Technology    `json:"technology"`
	ChargeUnits      bool          `json:"charge_units"`
	CycleCount       uint32        `json:"cycle_count"`
	VoltageMinDesign uint64        `json:"voltage_min_design"`
	VoltageNow       uint64        `json:"voltage_now"`
	RateNow          uint64        `json:"rate_now"`
	FullDesign       uint64        `json:"full_design"`
	Full             uint64        `json:"full"`
	Now              uint64        `json:"now"`
	Alarm            uint64        `json:"alarm"`
	Capacity         int           `json:"capacity"`
	CapacityLevel    CapacityLevel `json:"capacity_level"`
	TimeToEmpty      time.Duration `json:"time_to_empty,omitempty"`
	TimeToFull       time.Duration `json:"time_to_full,omitempty"`
	Model            string        `json:"model"`
	Manufacturer     string        `json:"manufacturer"`
	Serial           string        `json:"serial"`
}

func status(bix *BIX, bst *BST) Status {
	switch {
	case bst.State&StateDischarging != 0:
		return StatusDischarging
	case bst.State&StateCharging != 0:
		return StatusCharging
	case bix.LastFullChargeCap == bst.RemainingCap:
		return StatusFull
	case bst.PresentRate == 0:
		return StatusNotCharging
	}
	return StatusUnknown
}

func capacity(bix *BIX, bst *BST) int {
	if bst.RemainingCap == 0 || bix.LastFullChargeCap == 0 {
		return 0
	}
	return int(uint64(bst.RemainingCap) * 100 / uint64(bix.LastFullChargeCap))
}

func capacityLevel(bix *BIX, bst *BST, alarm uint32) CapacityLevel {
	switch {
	case bst.State&StateCritical != 0:
		return LevelCritical
	case bst.RemainingCap >= bix.LastFullChargeCap:
		return LevelFull
	case bst.RemainingCap <= alarm:
		return LevelLow
	}
	return LevelNormal
}

func hours(amount, rate uint32) time.Duration {
	if rate == 0 {
		return 0
	}
	return time.Duration(uint64(amount) * uint64(time.Hour) / uint64(rate))
}

func properties(name string, present bool, bix *BIX, bst *BST, alarm uint32) *Properties {
	p := &Properties{Name: name, Present: present}
	if !present {
		return p
	}
	p.Status = status(bix, bst)
	p.Technology = bix.TechnologyKind()
	p.ChargeUnits = bix.PowerUnit == PowerUnitMA
	p.CycleCount = bix.CycleCount
	p.VoltageMinDesign = uint64(bix.DesignVoltage) * 1000
	p.VoltageNow = uint64(bst.PresentVoltage) * 1000
	p.RateNow = uint64(bst.PresentRate) * 1000
	p.FullDesign = uint64(bix.DesignCap) * 1000
	p.Full = uint64(bix.LastFullChargeCap) * 1000
	p.Now = uint64(bst.RemainingCap) * 1000
	p.Alarm = uint64(alarm) * 1000
	p.Capacity = capacity(bix, bst)
	p.CapacityLevel = capacityLevel(bix, bst, alarm)
	switch p.Status {
	case StatusDischarging:
		p.TimeToEmpty = hours(bst.RemainingCap, bst.PresentRate)
	case StatusCharging:
		if bix.LastFullChargeCap > bst.RemainingCap {
			p.TimeToFull = hours(bix.LastFullChargeCap-bst.RemainingCap, bst.PresentRate)
		}
	}
	p.Model = bix.Model
	p.Manufacturer = bix.OEMInfo
	p.Serial = bix.Serial
	return p
}
