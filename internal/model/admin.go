package model

// DashboardStats aggregates the figures shown on the administrator overview.
type DashboardStats struct {
	TotalKeys      int          `json:"total_keys"`
	ActiveKeys     int          `json:"active_keys"`
	TotalDevices   int          `json:"total_devices"`
	ActiveDevices  int          `json:"active_devices"`
	BlockedDevices int          `json:"blocked_devices"`
	TotalEvents    int          `json:"total_events"`
	RecentEvents   []AuditEvent `json:"recent_events"`
}

// KeyStats summarises the activity of a single key.
type KeyStats struct {
	KeyID            string `json:"key_id"`
	TotalEvents      int    `json:"total_events"`
	SuccessfulEvents int    `json:"successful_events"`
	ActiveDevices    int    `json:"active_devices"`
	BlockedDevices   int    `json:"blocked_devices"`
}
