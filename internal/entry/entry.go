// Package entry defines the typed observations flowing through the
// pipeline: the kind variants, their de-duplication predicates and the JSON
// wire forms used on persisted payloads and on-air topics.
package entry

import (
	"encoding/json"
	"fmt"

	"homectrl/pkg/utils"
)

// Entry is an immutable observation of one entity. ID is zero until the
// state store assigns one.
type Entry struct {
	ID        int64
	Entity    string
	CreatedAt Timestamp
	Value     Value
}

// Kind returns the kind of the carried value.
func (e Entry) Kind() Kind {
	return e.Value.Kind()
}

// NameRef is the entity reference embedded in on-air messages.
type NameRef struct {
	Value string `json:"value"`
}

// Message is the on-air wire shape: {"name":{"value":...},"create_at":...,"value":...}.
type Message struct {
	Name     NameRef         `json:"name"`
	CreateAt Timestamp       `json:"create_at"`
	Value    json.RawMessage `json:"value"`
}

// MarshalValue serializes a value's wire form. This is both the persisted
// payload and the on-air "value" field.
func MarshalValue(v Value) ([]byte, error) {
	return utils.ToJSON(v.wire())
}

// MarshalOnAir serializes the entry as an on-air message.
func (e Entry) MarshalOnAir() ([]byte, error) {
	value, err := MarshalValue(e.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	return utils.ToJSON(Message{
		Name:     NameRef{Value: e.Entity},
		CreateAt: e.CreatedAt,
		Value:    value,
	})
}

// DecodeOnAir parses an on-air message of a known kind back into an entry.
func DecodeOnAir(kind Kind, payload []byte) (Entry, error) {
	msg, err := utils.FromJSON[Message](payload)
	if err != nil {
		return Entry{}, fmt.Errorf("decode on-air message: %w", err)
	}

	value, err := DecodeValue(kind, msg.Value)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		Entity:    msg.Name.Value,
		CreatedAt: msg.CreateAt,
		Value:     value,
	}, nil
}

// DecodeValue parses a persisted or on-air wire value for the given kind.
func DecodeValue(kind Kind, raw []byte) (Value, error) {
	switch kind {
	case KindLive:
		var alive bool
		if err := json.Unmarshal(raw, &alive); err != nil {
			return nil, fmt.Errorf("decode %s value: %w", kind, err)
		}

		return Live{Alive: alive}, nil

	case KindTemperature, KindHumidity, KindPressure, KindVoltage, KindMoisture:
		var reading Number
		if err := json.Unmarshal(raw, &reading); err != nil {
			return nil, fmt.Errorf("decode %s value: %w", kind, err)
		}

		return Measurement{Metric: kind, Reading: reading}, nil

	case KindDarkness, KindLight, KindPresence, KindBell, KindDoors:
		var on bool
		if err := json.Unmarshal(raw, &on); err != nil {
			return nil, fmt.Errorf("decode %s value: %w", kind, err)
		}

		return Flag{Signal: kind, On: on}, nil

	case KindError:
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode %s value: %w", kind, err)
		}

		return ErrorText{Text: text}, nil

	case KindRadar:
		var v Radar
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s value: %w", kind, err)
		}

		return v, nil

	case KindRadio:
		var v Radio
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s value: %w", kind, err)
		}

		return v, nil

	case KindElectricity:
		var v Electricity
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s value: %w", kind, err)
		}

		return v, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}
