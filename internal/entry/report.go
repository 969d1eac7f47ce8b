package entry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TransientPrefix marks device-report keys that pass through on-air without
// being persisted.
const TransientPrefix = "transient_"

// Transient is an ephemeral reading extracted from a transient_<name> key.
type Transient struct {
	Name string
	Raw  json.RawMessage
}

// Report is a decoded live/data device payload.
type Report struct {
	Entity     string
	CreateAt   Timestamp
	Alive      bool
	Values     []Value
	Transients []Transient
	Unknown    []string
}

// constructor extracts one typed value from a device-report field.
type constructor func(raw json.RawMessage) (Value, error)

// reportKeys maps each recognized device-report key to its value
// constructor. Unknown keys fall through to Report.Unknown.
var reportKeys = map[string]constructor{
	"temperature": measurementKey(KindTemperature),
	"humidity":    measurementKey(KindHumidity),
	"pressure":    measurementKey(KindPressure),
	"voltage":     measurementKey(KindVoltage),
	"moisture":    measurementKey(KindMoisture),
	"darkness":    flagKey(KindDarkness),
	"light":       flagKey(KindLight),
	"presence":    flagKey(KindPresence),
	"bell":        flagKey(KindBell),
	"doors":       flagKey(KindDoors),
	"error":       errorKey,
	"radar":       radarKey,
	"radio":       radioKey,
	"electricity": electricityKey,
}

// DecodeReport decodes a live/data payload published by a device. The topic
// entity fills in a missing name; a missing create_at is stamped with now.
func DecodeReport(topicEntity string, payload []byte, now func() Timestamp) (Report, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Report{}, fmt.Errorf("decode device report: %w", err)
	}

	report := Report{Entity: topicEntity, Alive: true}

	if raw, ok := fields["name"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &report.Entity); err != nil {
			return Report{}, fmt.Errorf("decode device report name: %w", err)
		}
	}

	if raw, ok := fields["create_at"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &report.CreateAt); err != nil {
			return Report{}, fmt.Errorf("decode device report create_at: %w", err)
		}
	} else {
		report.CreateAt = now()
	}

	if raw, ok := fields["live"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &report.Alive); err != nil {
			return Report{}, fmt.Errorf("decode device report live: %w", err)
		}
	}

	// Stable key order keeps the emitted entry sequence deterministic.
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		raw := fields[key]

		switch {
		case key == "name" || key == "create_at" || key == "live":
			continue

		case strings.HasPrefix(key, TransientPrefix):
			name := strings.TrimPrefix(key, TransientPrefix)
			if name == "" || isNull(raw) {
				continue
			}

			report.Transients = append(report.Transients, Transient{Name: name, Raw: raw})

		default:
			build, ok := reportKeys[key]
			if !ok {
				report.Unknown = append(report.Unknown, key)

				continue
			}

			if isNull(raw) {
				continue
			}

			value, err := build(raw)
			if err != nil {
				return Report{}, fmt.Errorf("decode device report key %q: %w", key, err)
			}

			report.Values = append(report.Values, value)
		}
	}

	return report, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func measurementKey(kind Kind) constructor {
	return func(raw json.RawMessage) (Value, error) {
		var reading Number
		if err := json.Unmarshal(raw, &reading); err != nil {
			return nil, err
		}

		return Measurement{Metric: kind, Reading: reading}, nil
	}
}

func flagKey(kind Kind) constructor {
	return func(raw json.RawMessage) (Value, error) {
		var on bool
		if err := json.Unmarshal(raw, &on); err != nil {
			return nil, err
		}

		return Flag{Signal: kind, On: on}, nil
	}
}

func errorKey(raw json.RawMessage) (Value, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, err
	}

	return ErrorText{Text: text}, nil
}

func radarKey(raw json.RawMessage) (Value, error) {
	var v Radar
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return v, nil
}

// radioKey flattens the device-side nested radio shape
// {station:{name,code},volume:{volume,is_muted},playinfo} into a Radio value.
func radioKey(raw json.RawMessage) (Value, error) {
	var report struct {
		Station *struct {
			Name string `json:"name"`
			Code string `json:"code"`
		} `json:"station"`
		Volume *struct {
			Volume  *int  `json:"volume"`
			IsMuted *bool `json:"is_muted"`
		} `json:"volume"`
		PlayInfo *string `json:"playinfo"`
	}

	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}

	v := Radio{PlayInfo: report.PlayInfo}

	if report.Station != nil {
		v.StationName = report.Station.Name
		v.StationCode = report.Station.Code
	}

	if report.Volume != nil {
		v.Volume = report.Volume.Volume
		v.Muted = report.Volume.IsMuted
	}

	return v, nil
}

func electricityKey(raw json.RawMessage) (Value, error) {
	var v Electricity
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return v, nil
}
