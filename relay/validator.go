package relay

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
)

// MaxPayloadBytes bounds the size of an inbound message body. Larger payloads
// are rejected before decoding.
const MaxPayloadBytes = 64 << 10

// Validation failure classes, wrapped into the errors Parse returns.
var (
	ErrPayloadTooLarge  = errors.New("payload exceeds size limit")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNotNumeric       = errors.New("field not numeric")
)

// inboundReading mirrors the wire payload before coercion
type inboundReading struct {
	Temperature interface{} `json:"temperature"`
	Humidity    interface{} `json:"humidity"`
	Device      string      `json:"device"`
}

// Validator turns raw payloads into readings
type Validator struct {
	now func() time.Time
}

// NewValidator creates a new Validator
func NewValidator() *Validator {
	return &Validator{
		now: time.Now,
	}
}

// Parse decodes and validates a raw payload. Temperature and humidity accept
// JSON numbers and numeric strings; a missing device is replaced by the
// unknown device identifier. The reading is stamped with the time of
// acceptance, not a producer-supplied time.
func (v *Validator) Parse(body []byte) (Reading, error) {
	if len(body) > MaxPayloadBytes {
		return Reading{}, fmt.Errorf("Validator: payload of %d bytes: %w", len(body), ErrPayloadTooLarge)
	}

	var in inboundReading
	if err := json.Unmarshal(body, &in); err != nil {
		return Reading{}, fmt.Errorf("Validator: %v: %w", err, ErrMalformedPayload)
	}

	temperature, ok := coerceFloat(in.Temperature)
	if !ok {
		return Reading{}, fmt.Errorf("Validator: temperature %v: %w", in.Temperature, ErrNotNumeric)
	}

	humidity, ok := coerceFloat(in.Humidity)
	if !ok {
		return Reading{}, fmt.Errorf("Validator: humidity %v: %w", in.Humidity, ErrNotNumeric)
	}

	device := in.Device
	if device == "" {
		device = UnknownDevice
	}

	return Reading{
		Temperature: temperature,
		Humidity:    humidity,
		Device:      device,
		Timestamp:   v.now(),
	}, nil
}

// coerceFloat accepts JSON numbers and numeric strings. NaN and infinities
// are rejected since they defeat the threshold comparison downstream.
func coerceFloat(value interface{}) (float64, bool) {
	var f float64

	switch n := value.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	return f, true
}

// rejectReason maps a validation error to its metrics label
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return "oversize"
	case errors.Is(err, ErrNotNumeric):
		return "not_numeric"
	default:
		return "malformed"
	}
}
