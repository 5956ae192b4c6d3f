// Package device derives a best-effort pseudo-identifier for a participant's
// device and keeps small per-device records (the identifier itself and the
// "already voted" memo) in a LocalStore.
//
// Identifiers are a SHA-256 over environment signals. Two devices with
// identical signals collide, and a participant who clears local state gets a
// fresh identity. Treat the identifier as a duplicate-vote deterrent, not as
// authentication.
package device
