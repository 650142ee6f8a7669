package fingerprint

import (
	"context"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// HostSignals reads the machine id, hostname, platform and the hardware
// addresses of non-loopback interfaces.
type HostSignals struct{}

func (HostSignals) Collect(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := map[string]string{
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
	}

	for _, p := range machineIDPaths {
		if b, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				out["machine_id"] = id
				break
			}
		}
	}
	if h, err := os.Hostname(); err == nil {
		out["hostname"] = strings.ToLower(strings.TrimSpace(h))
	}
	if macs := hardwareAddrs(); len(macs) > 0 {
		out["macs"] = strings.Join(macs, ",")
	}

	// platform alone identifies nothing
	if len(out) == 1 {
		return map[string]string{}, nil
	}
	return out, nil
}

func hardwareAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		out = append(out, iface.HardwareAddr.String())
	}
	sort.Strings(out)
	return out
}

// StaticSignals returns a fixed set (tests, kiosks with a provisioned id).
type StaticSignals map[string]string

func (s StaticSignals) Collect(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}
