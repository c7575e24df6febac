// Package power provides shell commands querying batteries, the AC
// adapter and thermal sensors.
package power

import (
	"bytes"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/ssam.go/pkg/cli/sh"
	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssam/clients/battery"
	"github.com/robotalks/ssam.go/pkg/ssam/clients/thermal"
)

var batteries = []battery.Config{battery.BAT1, battery.BAT2}

// FormatProperties formats battery properties for display.
func FormatProperties(p *battery.Properties) string {
	if !p.Present {
		return p.Name + ": not present\n"
	}
	unit, rate := "mAh", "mA"
	if !p.ChargeUnits {
		unit, rate = "mWh", "mW"
	}
	var w bytes.Buffer
	tw := tabwriter.NewWriter(&w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "%s:\t%s %d%% (%s)\n", p.Name, p.Status, p.Capacity, p.CapacityLevel)
	fmt.Fprintf(tw, "  now/full/design:\t%d/%d/%d %s\n", p.Now/1000, p.Full/1000, p.FullDesign/1000, unit)
	fmt.Fprintf(tw, "  rate:\t%d %s\n", p.RateNow/1000, rate)
	fmt.Fprintf(tw, "  voltage:\t%d mV\n", p.VoltageNow/1000)
	fmt.Fprintf(tw, "  cycles:\t%d\n", p.CycleCount)
	if p.TimeToEmpty > 0 {
		fmt.Fprintf(tw, "  time to empty:\t%s\n", p.TimeToEmpty)
	}
	if p.TimeToFull > 0 {
		fmt.Fprintf(tw, "  time to full:\t%s\n", p.TimeToFull)
	}
	fmt.Fprintf(tw, "  model:\t%s %s %s (%s)\n", p.Manufacturer, p.Model, p.Serial, p.Technology)
	tw.Flush()
	return w.String()
}

// FormatSensors formats thermal sensors for display.
func FormatSensors(sensors []thermal.Sensor) string {
	var w bytes.Buffer
	for _, s := range sensors {
		fmt.Fprintf(&w, "%d %-8s %.3f°C\n", s.Instance, s.Name, float64(s.Temperature)/1000)
	}
	return w.String()
}

var (
	// BatteryCmd queries batteries.
	BatteryCmd = ishell.Cmd{
		Name:    "battery",
		Aliases: []string{"bat"},
		Help:    "[NUM]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			configs := batteries
			if len(c.Args) > 0 {
				num, err := strconv.Atoi(c.Args[0])
				if err != nil || num < 1 || num > len(batteries) {
					c.Err(fmt.Errorf("invalid battery number %q", c.Args[0]))
					return
				}
				configs = batteries[num-1 : num]
			}
			ctx, cancel := sh.RequestContext(c)
			defer cancel()
			for _, cfg := range configs {
				props, err := battery.Query(ctx, sh.Conn(c), cfg)
				if err != nil {
					c.Err(fmt.Errorf("BAT%d: %w", cfg.Num, err))
					continue
				}
				sh.Output(c, props, "%s", FormatProperties(props))
			}
		}),
	}

	// ACCmd queries the AC adapter.
	ACCmd = ishell.Cmd{
		Name:    "ac",
		Aliases: []string{"adp"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			ctx, cancel := sh.RequestContext(c)
			defer cancel()
			online, err := battery.NewAC(ssam.SubmitOnly(sh.Conn(c))).Online(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			sh.Output(c, online, "online %v\n", online)
		}),
	}

	// ThermalCmd queries thermal sensors.
	ThermalCmd = ishell.Cmd{
		Name:    "thermal",
		Aliases: []string{"temp"},
		Help:    "[IID]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			ctx, cancel := sh.RequestContext(c)
			defer cancel()
			tmp := thermal.New(sh.Conn(c))
			tmp.TargetID = byte(sh.ShellFrom(c).Config.ThermalTarget)
			if len(c.Args) == 0 {
				sensors, err := tmp.Sensors(ctx)
				if err != nil {
					c.Err(err)
					return
				}
				sh.Output(c, sensors, "%s", FormatSensors(sensors))
				return
			}
			iid, err := strconv.ParseUint(c.Args[0], 0, 8)
			if err != nil {
				c.Err(fmt.Errorf("invalid IID %q", c.Args[0]))
				return
			}
			temp, err := tmp.Temperature(ctx, byte(iid))
			if err != nil {
				c.Err(err)
				return
			}
			sensor := thermal.Sensor{Instance: byte(iid), Temperature: temp}
			if sensor.Name, err = tmp.Name(ctx, sensor.Instance); err != nil {
				sensor.Name = fmt.Sprintf("temp%d", iid)
			}
			sh.Output(c, &sensor, "%s", FormatSensors([]thermal.Sensor{sensor}))
		}),
	}
)

func init() {
	sh.AddCmds(
		&BatteryCmd,
		&ACCmd,
		&ThermalCmd,
	)
}
