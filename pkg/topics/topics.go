// Package topics implements the homectrl topic grammar.
//
// Two namespaces live under the fixed root:
//
//	homectrl/device/{entity}/{facility}  device <-> backend
//	homectrl/onair/{facet}/{entity}      backend -> clients
//
// Activity topics use the on-air grammar with facet "activity".
package topics

import (
	"errors"
	"fmt"
	"strings"
)

// Root is the first segment of every homectrl topic.
const Root = "homectrl"

const (
	segmentDevice = "device"
	segmentOnAir  = "onair"

	// FacetActivity is the on-air facet carrying derived activity state.
	FacetActivity = "activity"

	maxTokenLen = 25
)

// Facility is the device sub-topic.
type Facility string

const (
	FacilityLive         Facility = "live"
	FacilityData         Facility = "data"
	FacilityCapabilities Facility = "capabilities"
	FacilityState        Facility = "state"
	FacilityControl      Facility = "control"
)

// Facilities lists every known device facility.
func Facilities() []Facility {
	return []Facility{FacilityLive, FacilityData, FacilityCapabilities, FacilityState, FacilityControl}
}

// Valid reports whether f is a known facility.
func (f Facility) Valid() bool {
	switch f {
	case FacilityLive, FacilityData, FacilityCapabilities, FacilityState, FacilityControl:
		return true
	default:
		return false
	}
}

func (f Facility) String() string {
	return string(f)
}

// ErrNoMatch is returned when a topic does not match the expected grammar.
var ErrNoMatch = errors.New("topic does not match grammar")

// DeviceTopic is a parsed device-namespace topic.
type DeviceTopic struct {
	Entity   string
	Facility Facility
}

// OnAirTopic is a parsed on-air-namespace topic.
type OnAirTopic struct {
	Facet  string
	Entity string
}

// Device formats a device topic. Tokens containing MQTT wildcards are
// rejected; use DeviceFilter to build subscription filters.
func Device(entity string, facility Facility) (string, error) {
	if err := validToken(entity); err != nil {
		return "", fmt.Errorf("invalid entity %q: %w", entity, err)
	}

	if !facility.Valid() {
		return "", fmt.Errorf("invalid facility %q", facility)
	}

	return Root + "/" + segmentDevice + "/" + entity + "/" + string(facility), nil
}

// OnAir formats an on-air topic for the given facet and entity.
func OnAir(facet, entity string) (string, error) {
	if err := validToken(facet); err != nil {
		return "", fmt.Errorf("invalid facet %q: %w", facet, err)
	}

	if err := validToken(entity); err != nil {
		return "", fmt.Errorf("invalid entity %q: %w", entity, err)
	}

	return Root + "/" + segmentOnAir + "/" + facet + "/" + entity, nil
}

// Activity formats the on-air topic of a named activity.
func Activity(name string) (string, error) {
	return OnAir(FacetActivity, name)
}

// ParseDevice parses a device topic, returning ErrNoMatch when the topic has
// a different shape.
func ParseDevice(topic string) (DeviceTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != Root || parts[1] != segmentDevice {
		return DeviceTopic{}, fmt.Errorf("%w: %q", ErrNoMatch, topic)
	}

	if err := validToken(parts[2]); err != nil {
		return DeviceTopic{}, fmt.Errorf("%w: entity in %q: %s", ErrNoMatch, topic, err)
	}

	facility := Facility(parts[3])
	if !facility.Valid() {
		return DeviceTopic{}, fmt.Errorf("%w: facility in %q", ErrNoMatch, topic)
	}

	return DeviceTopic{Entity: parts[2], Facility: facility}, nil
}

// ParseOnAir parses an on-air topic, returning ErrNoMatch when the topic has
// a different shape.
func ParseOnAir(topic string) (OnAirTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != Root || parts[1] != segmentOnAir {
		return OnAirTopic{}, fmt.Errorf("%w: %q", ErrNoMatch, topic)
	}

	if err := validToken(parts[2]); err != nil {
		return OnAirTopic{}, fmt.Errorf("%w: facet in %q: %s", ErrNoMatch, topic, err)
	}

	if err := validToken(parts[3]); err != nil {
		return OnAirTopic{}, fmt.Errorf("%w: entity in %q: %s", ErrNoMatch, topic, err)
	}

	return OnAirTopic{Facet: parts[2], Entity: parts[3]}, nil
}

// MatchesDevice reports whether topic parses under the device grammar.
func MatchesDevice(topic string) bool {
	_, err := ParseDevice(topic)

	return err == nil
}

// MatchesOnAir reports whether topic parses under the on-air grammar.
func MatchesOnAir(topic string) bool {
	_, err := ParseOnAir(topic)

	return err == nil
}

// DeviceFilter builds the subscription filter matching every entity for one
// facility, e.g. homectrl/device/+/data.
func DeviceFilter(facility Facility) string {
	return Root + "/" + segmentDevice + "/+/" + string(facility)
}

// OnAirFilter builds the subscription filter matching every entity for one
// facet, e.g. homectrl/onair/electricity/+.
func OnAirFilter(facet string) string {
	return Root + "/" + segmentOnAir + "/" + facet + "/+"
}

// validToken checks the [a-z0-9_-]{1,25} entity/facet token grammar. MQTT
// wildcards fail the character check.
func validToken(token string) error {
	if token == "" {
		return errors.New("empty token")
	}

	if len(token) > maxTokenLen {
		return fmt.Errorf("token longer than %d characters", maxTokenLen)
	}

	for i := 0; i < len(token); i++ {
		c := token[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			continue
		}

		return fmt.Errorf("character %q not allowed", c)
	}

	return nil
}
