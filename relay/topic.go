package relay

import (
	"fmt"
	"regexp"
	"strings"
)

// Topic represents the routing key or topic name a message arrived on
type Topic struct {
	deviceRegex *regexp.Regexp

	Value string
}

// Device returns the device segment from the Topic value. Topics follow the
// <prefix>/<device>/<suffix> convention, dot or slash separated.
func (t *Topic) Device() (string, error) {
	matches := t.deviceRegex.FindStringSubmatch(t.Value)

	if len(matches) != 2 {
		return "", fmt.Errorf("Topic: '%s' does not match device regex", t.Value)
	}

	return string(matches[1]), nil
}

// NewTopic constructs a new Topic
func NewTopic(value string) *Topic {
	deviceRegex := regexp.MustCompile(`^[\w-]+[./]([\w-]+)[./].+$`)

	return &Topic{
		deviceRegex: deviceRegex,
		Value:       value,
	}
}

// deviceHint extracts the device segment from a topic for log context. It
// returns an empty string when the topic carries no device segment.
func deviceHint(topic string) string {
	device, err := NewTopic(topic).Device()
	if err != nil {
		return ""
	}

	return device
}

// MatchTopicFilter reports whether an MQTT topic name matches a topic filter.
// The '+' wildcard matches exactly one level and '#' matches any number of
// trailing levels; '#' is only valid as the final level of the filter.
func MatchTopicFilter(filter, name string) bool {
	levels := strings.Split(filter, "/")
	parts := strings.Split(name, "/")

	for i, level := range levels {
		if level == "#" {
			return i == len(levels)-1
		}
		if i >= len(parts) {
			return false
		}
		if level != "+" && level != parts[i] {
			return false
		}
	}

	return len(levels) == len(parts)
}
