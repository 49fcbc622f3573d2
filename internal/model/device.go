package model

import "time"

// Unknown is recorded for any metadata field that could not be determined.
const Unknown = "Unknown"

// DeviceMeta is the client environment reported alongside a fingerprint.
type DeviceMeta struct {
	Browser     string `json:"browser" db:"browser"`
	OS          string `json:"os" db:"os"`
	DeviceClass string `json:"device_class" db:"device_class"`
	ScreenRes   string `json:"screen_res" db:"screen_res"`
	Timezone    string `json:"timezone" db:"timezone"`
	Locale      string `json:"locale" db:"locale"`
}

// Normalize fills empty fields with Unknown.
func (m DeviceMeta) Normalize() DeviceMeta {
	for _, f := range []*string{&m.Browser, &m.OS, &m.DeviceClass, &m.ScreenRes, &m.Timezone, &m.Locale} {
		if *f == "" {
			*f = Unknown
		}
	}
	return m
}

// NetworkInfo is best-effort enrichment and is never authoritative.
type NetworkInfo struct {
	IP       string `json:"ip" db:"ip"`
	Location string `json:"location" db:"location"`
}

// UnknownNetwork is used whenever enrichment fails or is skipped.
var UnknownNetwork = NetworkInfo{IP: Unknown, Location: Unknown}

// DeviceRegistration records one fingerprint seen under one key.
type DeviceRegistration struct {
	ID       string `json:"id" db:"id"`
	KeyID    string `json:"key_id" db:"key_id"`
	DeviceID string `json:"device_id" db:"device_id"`
	DeviceMeta
	NetworkInfo
	FirstSeenAt time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
	LoginCount  int64     `json:"login_count" db:"login_count"`
	Blocked     bool      `json:"blocked" db:"blocked"`
}
