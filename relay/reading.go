package relay

import (
	"time"
)

// UnknownDevice is the identifier assigned to readings whose payload carries
// no device field.
const UnknownDevice = "unknown device"

// Reading represents a single accepted telemetry sample
type Reading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Device      string    `json:"device"`
	Timestamp   time.Time `json:"timestamp"`
}

// PlaceholderReading returns the reading served before the first message is
// accepted
func PlaceholderReading() Reading {
	return Reading{
		Device:    UnknownDevice,
		Timestamp: time.Now(),
	}
}
