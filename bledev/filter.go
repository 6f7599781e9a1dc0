package bledev

import (
	"sort"
	"strings"
)

// UnknownName is shown for devices that did not advertise a name.
const UnknownName = "N/A"

// KeepName reports whether a scanned device name looks like a real, user
// assigned name. Placeholder names from stacks that could not resolve one are
// dropped.
func KeepName(name string) bool {
	if name == "" || name == UnknownName {
		return false
	}
	if len(strings.TrimSpace(name)) <= 2 {
		return false
	}
	return !strings.Contains(name, "Unknown") && !strings.Contains(name, "NULL")
}

// FilterDevices keeps the devices with usable names, strongest signal first.
// Duplicate addresses keep the strongest reading.
func FilterDevices(devices []Device) []Device {
	best := make(map[string]Device, len(devices))
	for _, d := range devices {
		if !KeepName(d.Name) {
			continue
		}
		if prev, ok := best[d.Address]; ok && prev.RSSI >= d.RSSI {
			continue
		}
		best[d.Address] = d
	}
	out := make([]Device, 0, len(best))
	for _, d := range best {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}
