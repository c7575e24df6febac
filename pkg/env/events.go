package env

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robotalks/ssam.go/pkg/ssam"
)

var registries = map[string]ssam.EventRegistry{
	"SAM": ssam.RegistrySAM,
	"KIP": ssam.RegistryKIP,
	"REG": ssam.RegistryREG,
}

// EventSource selects events of a category enabled on a registry.
type EventSource struct {
	Registry ssam.EventRegistry
	Event    ssam.EventID
}

// ParseEventSource parses [REGISTRY:]CATEGORY[/INSTANCE], e.g. BAT,
// KIP:HID/1. The registry defaults to SAM and the instance to 0.
func ParseEventSource(s string) (src EventSource, err error) {
	src.Registry = ssam.RegistrySAM
	str := strings.TrimSpace(s)
	if pos := strings.IndexByte(str, ':'); pos >= 0 {
		reg, ok := registries[strings.ToUpper(str[:pos])]
		if !ok {
			return src, fmt.Errorf("unknown event registry in %q", s)
		}
		src.Registry, str = reg, str[pos+1:]
	}
	if pos := strings.IndexByte(str, '/'); pos >= 0 {
		iid, err := strconv.ParseUint(str[pos+1:], 0, 8)
		if err != nil {
			return src, fmt.Errorf("invalid instance in %q: %v", s, err)
		}
		src.Event.Instance, str = byte(iid), str[:pos]
	}
	category, ok := ssam.CategoryByName(str)
	if !ok {
		return src, fmt.Errorf("unknown target category in %q", s)
	}
	src.Event.Category = category
	if err := src.Event.Validate(); err != nil {
		return src, fmt.Errorf("event source %q: %w", s, err)
	}
	return src, nil
}

// Notifier creates a notifier for the source.
// Instance 0 matches events of all instances.
func (s EventSource) Notifier(prio int, h ssam.EventHandler) *ssam.Notifier {
	n := &ssam.Notifier{
		Registry: s.Registry,
		Event:    s.Event,
		Flags:    ssam.EventSequenced,
		Priority: prio,
		Handler:  h,
	}
	if s.Event.Instance != 0 {
		n.Mask = ssam.MaskInstance
	}
	return n
}

// String implements fmt.Stringer.
func (s EventSource) String() string {
	str := ssam.CategoryName(s.Registry.Category) + ":" + ssam.CategoryName(s.Event.Category)
	if s.Event.Instance != 0 {
		str += "/" + strconv.Itoa(int(s.Event.Instance))
	}
	return str
}

// stringList is a flag.Value accepting comma separated values.
type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *stringList) Set(val string) error {
	var items []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*l = items
	return nil
}
