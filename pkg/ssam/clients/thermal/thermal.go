// Package thermal implements the client of the thermal sensors.
package thermal

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/robotalks/ssam.go/pkg/ssam"
)

// MaxSensors is the number of sensors indicated by the availability bitmask.
const MaxSensors = 16

const (
	nameRespLen   = 21
	nameOffset    = 3
	kelvinOffset  = 2731
	defaultTarget = 0x01
)

// Thermal requests.
var (
	RqstGetTemperature = ssam.RequestSpec{Category: ssam.CategoryTMP, CommandID: 0x01}
	RqstGetSensors     = ssam.RequestSpec{Category: ssam.CategoryTMP, CommandID: 0x04}
	RqstGetName        = ssam.RequestSpec{Category: ssam.CategoryTMP, CommandID: 0x0e}
)

// Sensor describes a thermal sensor.
type Sensor struct {
	Instance byte   `json:"instance"`
	Name     string `json:"name"`
	// Temperature in millidegrees Celsius.
	Temperature int32 `json:"temperature"`
}

// Thermal is the client of the thermal subsystem.
type Thermal struct {
	// TargetID addresses the thermal subsystem, 1 if zero.
	TargetID byte

	submitter ssam.Submitter
}

// New creates the thermal client.
func New(sub ssam.Submitter) *Thermal {
	return &Thermal{TargetID: defaultTarget, submitter: sub}
}

func (t *Thermal) spec(s ssam.RequestSpec, iid byte) ssam.RequestSpec {
	s.TargetID, s.InstanceID = t.TargetID, iid
	if s.TargetID == 0 {
		s.TargetID = defaultTarget
	}
	return s
}

// Available returns the bitmask of available sensors, bit n indicates
// sensor instance n+1.
func (t *Thermal) Available(ctx context.Context) (uint16, error) {
	return t.spec(RqstGetSensors, 0).GetU16(ctx, t.submitter)
}

// Instances returns instance ids of available sensors.
func (t *Thermal) Instances(ctx context.Context) ([]byte, error) {
	mask, err := t.Available(ctx)
	if err != nil {
		return nil, err
	}
	var iids []byte
	for n := 0; n < MaxSensors; n++ {
		if mask&(1<<uint(n)) != 0 {
			iids = append(iids, byte(n+1))
		}
	}
	return iids, nil
}

func (t *Thermal) checkInstance(ctx context.Context, iid byte) error {
	if iid < 1 || iid > MaxSensors {
		return fmt.Errorf("%w: sensor %d", ssam.ErrNotFound, iid)
	}
	mask, err := t.Available(ctx)
	if err != nil {
		return err
	}
	if mask&(1<<uint(iid-1)) == 0 {
		return fmt.Errorf("%w: sensor %d", ssam.ErrNotFound, iid)
	}
	return nil
}

// Temperature reads a sensor in millidegrees Celsius.
func (t *Thermal) Temperature(ctx context.Context, iid byte) (int32, error) {
	if err := t.checkInstance(ctx, iid); err != nil {
		return 0, err
	}
	return t.temperature(ctx, iid)
}

func (t *Thermal) temperature(ctx context.Context, iid byte) (int32, error) {
	v, err := t.spec(RqstGetTemperature, iid).GetU16(ctx, t.submitter)
	if err != nil {
		return 0, err
	}
	return (int32(v) - kelvinOffset) * 100, nil
}

// Name reads the label of a sensor.
func (t *Thermal) Name(ctx context.Context, iid byte) (string, error) {
	buf := make([]byte, nameRespLen)
	if err := t.spec(RqstGetName, iid).Get(ctx, t.submitter, nil, buf); err != nil {
		return "", err
	}
	name := buf[nameOffset:]
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return string(name), nil
}

// Sensors reads all available sensors. A sensor without name is labeled
// by its instance id.
func (t *Thermal) Sensors(ctx context.Context) ([]Sensor, error) {
	iids, err := t.Instances(ctx)
	if err != nil {
		return nil, err
	}
	sensors := make([]Sensor, 0, len(iids))
	for _, iid := range iids {
		s := Sensor{Instance: iid}
		if s.Temperature, err = t.temperature(ctx, iid); err != nil {
			return nil, err
		}
		if s.Name, err = t.Name(ctx, iid); err != nil || s.Name == "" {
			s.Name = fmt.Sprintf("temp%d", iid)
		}
		sensors = append(sensors, s)
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].Instance < sensors[j].Instance })
	return sensors, nil
}
