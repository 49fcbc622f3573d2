package model

import "time"

// DefaultMaxDevices is the device quota given to keys created without an
// explicit limit.
const DefaultMaxDevices = 10

// AccessKey is an opaque shared secret that gates every validation. Usage
// fields are only ever advanced by the gate; identity and configuration
// fields are owned by the administrator.
type AccessKey struct {
	ID         string     `json:"id" db:"id"`
	Secret     string     `json:"secret" db:"secret"`
	Name       string     `json:"name" db:"name"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount int64      `json:"usage_count" db:"usage_count"`
	MaxDevices int        `json:"max_devices" db:"max_devices"`
	Active     bool       `json:"active" db:"active"`
}

// Redacted returns a copy of the key with the secret masked down to its
// first segment, for responses that must not leak the full secret.
func (k AccessKey) Redacted() AccessKey {
	k.Secret = MaskSecret(k.Secret)
	return k
}

// MaskSecret keeps the first four characters of a secret and masks the rest.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
