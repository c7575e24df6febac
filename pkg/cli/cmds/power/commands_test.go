package power

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/ssam.go/pkg/ssam/clients/battery"
	"github.com/robotalks/ssam.go/pkg/ssam/clients/thermal"
)

func TestFormatProperties(t *testing.T) {
	require.Equal(t, "BAT2: not present\n", FormatProperties(&battery.Properties{Name: "BAT2"}))

	out := FormatProperties(&battery.Properties{
		Name:          "BAT1",
		Present:       true,
		Status:        battery.StatusDischarging,
		ChargeUnits:   true,
		Capacity:      50,
		CapacityLevel: battery.LevelNormal,
		Now:           2400000,
		Full:          4800000,
		FullDesign:    5000000,
		RateNow:       1200000,
		TimeToEmpty:   2 * time.Hour,
		Model:         "M1",
	})
	require.Contains(t, out, "Discharging 50% (Normal)")
	require.Contains(t, out, "2400/4800/5000 mAh")
	require.Contains(t, out, "1200 mA")
	require.Contains(t, out, "time to empty:")
	require.NotContains(t, out, "time to full")
}

func TestFormatSensors(t *testing.T) {
	out := FormatSensors([]thermal.Sensor{
		{Instance: 1, Name: "CPU", Temperature: 26050},
		{Instance: 3, Name: "temp3", Temperature: -1500},
	})
	require.Equal(t, "1 CPU      26.050°C\n3 temp3    -1.500°C\n", out)
}
