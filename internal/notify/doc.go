// Package notify carries best-effort change notifications from the stores to
// live observers such as the admin dashboard. Events name the collection that
// changed and nothing else: subscribers are expected to re-read current state
// instead of trusting event order or delivery.
package notify
