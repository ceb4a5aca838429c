// Package sysinfo collects process and host information for the health
// server and the CLI.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	// Version is the udpbridge version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/udpbridge/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime = time.Now()
)

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion appends the VCS revision recorded by the Go toolchain,
// or the build time when there is none.
func enhanceDevVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		var revision string
		var dirty bool
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if len(revision) >= 7 {
			v := "dev-" + revision[:7]
			if dirty {
				v += "-dirty"
			}
			return v
		}
	}
	return "dev-" + startTime.UTC().Format("20060102-150405")
}

// Info describes the running process.
type Info struct {
	Hostname      string   `json:"hostname"`
	OS            string   `json:"os"`
	Arch          string   `json:"arch"`
	GoVersion     string   `json:"go_version"`
	Version       string   `json:"version"`
	StartTime     int64    `json:"start_time"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	IPAddresses   []string `json:"ip_addresses"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		GoVersion:     runtime.Version(),
		Version:       Version,
		StartTime:     startTime.Unix(),
		UptimeSeconds: UptimeSeconds(),
		IPAddresses:   GetLocalIPs(),
	}
}

// GetLocalIPs returns non-loopback unicast addresses, IPv4 first.
func GetLocalIPs() []string {
	var v4, v6 []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			v4 = append(v4, ip4.String())
		} else {
			v6 = append(v6, ip.String())
		}
	}

	ips := append(v4, v6...)
	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the process uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
