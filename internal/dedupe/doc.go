// Package dedupe suppresses repeated webhook deliveries. Platforms retry
// deliveries they consider unacknowledged; the gateway records each
// delivery id for a short window and skips forwarding repeats.
package dedupe
