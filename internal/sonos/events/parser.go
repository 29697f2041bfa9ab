package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RootDevice is the device name used for notifications whose path has no
// device segment, i.e. services of the zone player itself.
const RootDevice = "ZonePlayer"

// NotifyPrefix is the path every callback URL starts with.
const NotifyPrefix = "/notify"

// ParseSID extracts the subscription id from a SID header.
func ParseSID(sidHeader string) string {
	return strings.TrimSpace(sidHeader)
}

// ParseTimeout extracts the timeout from a SUBSCRIBE response header.
func ParseTimeout(timeoutHeader string) time.Duration {
	timeoutHeader = strings.TrimSpace(timeoutHeader)
	// Timeout format: Second-3600 or Second-infinite
	if strings.EqualFold(timeoutHeader, "infinite") || strings.EqualFold(timeoutHeader, "Second-infinite") {
		return 24 * time.Hour
	}

	timeoutHeader = strings.TrimPrefix(timeoutHeader, "Second-")
	if timeout, err := strconv.Atoi(timeoutHeader); err == nil && timeout > 0 {
		return time.Duration(timeout) * time.Second
	}
	return time.Hour
}

// FormatTimeout renders a TIMEOUT request header.
func FormatTimeout(timeout time.Duration) string {
	return fmt.Sprintf("Second-%d", int(timeout/time.Second))
}

// NotifyTarget is the destination encoded in a notification path.
type NotifyTarget struct {
	DeviceID string
	Device   string
	Service  string
}

// ParseNotifyPath splits /notify/<deviceId>[/<device>]/<service>/Event.
func ParseNotifyPath(path string) (NotifyTarget, bool) {
	rest, ok := strings.CutPrefix(path, NotifyPrefix+"/")
	if !ok {
		return NotifyTarget{}, false
	}

	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[len(parts)-1] != "Event" {
		return NotifyTarget{}, false
	}
	for _, part := range parts {
		if part == "" {
			return NotifyTarget{}, false
		}
	}

	target := NotifyTarget{DeviceID: parts[0], Device: RootDevice}
	if len(parts) == 4 {
		target.Device = parts[1]
		target.Service = parts[2]
	} else {
		target.Service = parts[1]
	}
	return target, true
}
