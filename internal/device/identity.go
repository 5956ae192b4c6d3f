package device

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// IDKey is the LocalStore key holding the persisted identifier.
const IDKey = "deviceId"

const unknown = "unknown"

// Signals are the environment properties reported by the participant's browser.
// Zero HardwareConcurrency or DeviceMemory means the browser did not expose it.
type Signals struct {
	UserAgent           string   `json:"userAgent"`
	Language            string   `json:"language"`
	Languages           []string `json:"languages"`
	Platform            string   `json:"platform"`
	ScreenWidth         int      `json:"screenWidth"`
	ScreenHeight        int      `json:"screenHeight"`
	ColorDepth          int      `json:"colorDepth"`
	Timezone            string   `json:"timezone"`
	TimezoneOffset      int      `json:"timezoneOffset"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        float64  `json:"deviceMemory"`
	Canvas              string   `json:"canvas"`
}

// composite is the hashed document. Field order is part of the identifier.
type composite struct {
	UserAgent           string `json:"userAgent"`
	Language            string `json:"language"`
	Languages           string `json:"languages"`
	Platform            string `json:"platform"`
	ScreenResolution    string `json:"screenResolution"`
	ScreenColorDepth    int    `json:"screenColorDepth"`
	Timezone            string `json:"timezone"`
	TimezoneOffset      int    `json:"timezoneOffset"`
	HardwareConcurrency any    `json:"hardwareConcurrency"`
	DeviceMemory        any    `json:"deviceMemory"`
	Canvas              string `json:"canvas"`
}

// Fingerprint hashes the signals into a 64-character hex identifier.
// Equal signals always produce the same identifier.
func Fingerprint(s Signals) (string, error) {
	c := composite{
		UserAgent:           s.UserAgent,
		Language:            s.Language,
		Languages:           strings.Join(s.Languages, ","),
		Platform:            s.Platform,
		ScreenResolution:    fmt.Sprintf("%dx%d", s.ScreenWidth, s.ScreenHeight),
		ScreenColorDepth:    s.ColorDepth,
		Timezone:            s.Timezone,
		TimezoneOffset:      s.TimezoneOffset,
		HardwareConcurrency: orUnknown(s.HardwareConcurrency > 0, s.HardwareConcurrency),
		DeviceMemory:        orUnknown(s.DeviceMemory > 0, s.DeviceMemory),
		Canvas:              s.Canvas,
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode device signals: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func orUnknown(ok bool, v any) any {
	if ok {
		return v
	}
	return unknown
}

// ValidID reports whether id has the shape Fingerprint produces.
func ValidID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// Identity resolves the identifier of one device.
type Identity struct {
	store LocalStore
}

func NewIdentity(store LocalStore) *Identity {
	return &Identity{store: store}
}

// GetOrCreate returns the persisted identifier, or computes one from the
// signals and persists it.
func (i *Identity) GetOrCreate(s Signals) (string, error) {
	if id, ok := i.store.Get(IDKey); ok && ValidID(id) {
		return id, nil
	}

	id, err := Fingerprint(s)
	if err != nil {
		return "", err
	}
	if err := i.store.Set(IDKey, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

// Current returns the persisted identifier without creating one.
func (i *Identity) Current() (string, bool) {
	id, ok := i.store.Get(IDKey)
	if !ok || !ValidID(id) {
		return "", false
	}
	return id, true
}

// Clear forgets the persisted identifier.
func (i *Identity) Clear() error {
	if err := i.store.Delete(IDKey); err != nil {
		return fmt.Errorf("failed to clear device id: %w", err)
	}
	return nil
}
