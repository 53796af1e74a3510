package domain

import "strings"

// DeviceType is a best-effort classification of the client that opened a session.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceUnknown DeviceType = "unknown"
)

var (
	tabletMarkers  = []string{"ipad", "tablet", "kindle", "silk/", "playbook"}
	mobileMarkers  = []string{"mobi", "iphone", "ipod", "android", "windows phone", "blackberry", "opera mini"}
	desktopMarkers = []string{"windows nt", "macintosh", "mac os x", "x11", "linux", "cros"}
)

// ClassifyDevice derives the device type from a User-Agent header.
// Tablet markers are checked first because most tablets also advertise "Android".
func ClassifyDevice(userAgent string) DeviceType {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return DeviceUnknown
	}

	if containsAny(ua, tabletMarkers) {
		return DeviceTablet
	}
	// Android without "mobile" is the tablet convention.
	if strings.Contains(ua, "android") && !strings.Contains(ua, "mobile") {
		return DeviceTablet
	}
	if containsAny(ua, mobileMarkers) {
		return DeviceMobile
	}
	if containsAny(ua, desktopMarkers) {
		return DeviceDesktop
	}
	return DeviceUnknown
}

func containsAny(value string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(value, marker) {
			return true
		}
	}
	return false
}
