package model

import "fmt"

// Outcome classifies the result of a validation.
type Outcome string

const (
	OutcomeAuthorized    Outcome = "authorized"
	OutcomeInvalidKey    Outcome = "invalid_key"
	OutcomeDeviceBlocked Outcome = "device_blocked"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
)

// Decision is the answer to a validation request. Rejections are decisions,
// not errors; DeviceCount and MaxDevices are populated for every outcome
// except InvalidKey so callers can explain the rejection.
type Decision struct {
	Outcome     Outcome             `json:"outcome"`
	Key         *AccessKey          `json:"key,omitempty"`
	Device      *DeviceRegistration `json:"device,omitempty"`
	NewDevice   bool                `json:"new_device"`
	DeviceCount int                 `json:"device_count"`
	MaxDevices  int                 `json:"max_devices"`
}

// Authorized reports whether the decision grants access.
func (d *Decision) Authorized() bool {
	return d != nil && d.Outcome == OutcomeAuthorized
}

// Message returns the user-facing explanation for the outcome.
func (d *Decision) Message() string {
	switch d.Outcome {
	case OutcomeAuthorized:
		return fmt.Sprintf("Access granted (%d of %d devices in use)", d.DeviceCount, d.MaxDevices)
	case OutcomeInvalidKey:
		return "Invalid access key"
	case OutcomeDeviceBlocked:
		return "This device has been blocked. Contact an administrator."
	case OutcomeQuotaExceeded:
		return fmt.Sprintf("Device limit reached (%d of %d devices). Contact an administrator.", d.DeviceCount, d.MaxDevices)
	default:
		return string(d.Outcome)
	}
}
