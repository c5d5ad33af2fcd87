package relay

import (
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
)

// Event names pushed to subscribers.
const (
	EventSensorUpdate = "sensor-update"
	EventAlert        = "alert"
)

// Event represents a single outbound frame pushed to subscribers
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// AlertPayload is the data of an alert event emitted when the alarm trips
type AlertPayload struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertNotice is the reduced alert data pushed to a subscriber that registers
// while the alarm is already active
type AlertNotice struct {
	Message string `json:"message"`
}

// UpdateEvent wraps a reading in a sensor-update frame
func UpdateEvent(r Reading) Event {
	return Event{
		Name: EventSensorUpdate,
		Data: r,
	}
}

// AlertEvent builds the danger frame for the reading that tripped the alarm
func AlertEvent(r Reading, threshold float64) Event {
	return Event{
		Name: EventAlert,
		Data: AlertPayload{
			Type:      "danger",
			Message:   alertMessage(r, threshold),
			Timestamp: r.Timestamp,
		},
	}
}

// AlertNoticeEvent builds the registration-time notice for an active alarm
func AlertNoticeEvent(r Reading, threshold float64) Event {
	return Event{
		Name: EventAlert,
		Data: AlertNotice{
			Message: alertMessage(r, threshold),
		},
	}
}

func alertMessage(r Reading, threshold float64) string {
	return fmt.Sprintf("temperature %.1f exceeded threshold %.1f", r.Temperature, threshold)
}

// Encode marshals the event for delivery
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("Event: %v", err)
	}

	return data, nil
}
