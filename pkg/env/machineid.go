package env

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

// MachineID retrieves the unique ID identifying the machine.
// It falls back to the hostname if the machine id is not available.
func MachineID() string {
	id, err := machineid.ID()
	if err == nil && id != "" {
		return id
	}
	glog.Warningf("machine id unavailable, use hostname: %v", err)
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}
