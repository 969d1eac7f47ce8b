package entry

// Value is the tagged variant over entry kinds. Equality is the kind's
// de-duplication predicate: two consecutive observations that compare equal
// produce a single persisted entry.
type Value interface {
	Kind() Kind
	Equal(other Value) bool

	// wire returns the JSON shape of the on-air "value" field. It is also
	// the persisted payload form.
	wire() any
}

// scalarPlaces is the canonical precision of decimal measurement kinds.
const scalarPlaces = 2

// Live reports device liveness.
type Live struct {
	Alive bool
}

func (v Live) Kind() Kind { return KindLive }

func (v Live) Equal(other Value) bool {
	o, ok := other.(Live)

	return ok && o.Alive == v.Alive
}

func (v Live) wire() any { return v.Alive }

// Measurement is a decimal scalar reading: temperature, humidity, pressure,
// voltage or moisture. Equality compares at two decimal places.
type Measurement struct {
	Metric  Kind
	Reading Number
}

func (v Measurement) Kind() Kind { return v.Metric }

func (v Measurement) Equal(other Value) bool {
	o, ok := other.(Measurement)

	return ok && o.Metric == v.Metric && o.Reading.EqualAt(v.Reading, scalarPlaces)
}

func (v Measurement) wire() any { return v.Reading }

// Flag is a boolean reading: darkness, light, presence, bell or doors.
type Flag struct {
	Signal Kind
	On     bool
}

func (v Flag) Kind() Kind { return v.Signal }

func (v Flag) Equal(other Value) bool {
	o, ok := other.(Flag)

	return ok && o.Signal == v.Signal && o.On == v.On
}

func (v Flag) wire() any { return v.On }

// ErrorText is a device-reported error message.
type ErrorText struct {
	Text string
}

func (v ErrorText) Kind() Kind { return KindError }

func (v ErrorText) Equal(other Value) bool {
	o, ok := other.(ErrorText)

	return ok && o.Text == v.Text
}

func (v ErrorText) wire() any { return v.Text }

// Radar is a presence-radar reading.
type Radar struct {
	Presence    bool `json:"presence"`
	TargetState int  `json:"target_state"`
	Distance    int  `json:"distance"`
}

func (v Radar) Kind() Kind { return KindRadar }

func (v Radar) Equal(other Value) bool {
	o, ok := other.(Radar)

	return ok && o == v
}

func (v Radar) wire() any { return v }

// Radio is an internet-radio state snapshot. Optional fields compare equal
// when both are absent.
type Radio struct {
	StationName string  `json:"station_name"`
	StationCode string  `json:"station_code"`
	Volume      *int    `json:"volume"`
	Muted       *bool   `json:"is_muted"`
	PlayInfo    *string `json:"playinfo"`
}

func (v Radio) Kind() Kind { return KindRadio }

func (v Radio) Equal(other Value) bool {
	o, ok := other.(Radio)

	return ok &&
		o.StationName == v.StationName &&
		o.StationCode == v.StationCode &&
		ptrEqual(o.Volume, v.Volume) &&
		ptrEqual(o.Muted, v.Muted) &&
		ptrEqual(o.PlayInfo, v.PlayInfo)
}

func (v Radio) wire() any { return v }

// Electricity is a mains-meter reading. Current and power factor carry three
// decimal places, voltage and active power two; active energy is integral Wh.
type Electricity struct {
	Voltage      Number `json:"voltage"`
	Current      Number `json:"current"`
	ActivePower  Number `json:"active_power"`
	ActiveEnergy int64  `json:"active_energy"`
	PowerFactor  Number `json:"power_factor"`
}

func (v Electricity) Kind() Kind { return KindElectricity }

func (v Electricity) Equal(other Value) bool {
	o, ok := other.(Electricity)

	return ok &&
		o.Voltage.EqualAt(v.Voltage, 2) &&
		o.Current.EqualAt(v.Current, 3) &&
		o.ActivePower.EqualAt(v.ActivePower, 2) &&
		o.ActiveEnergy == v.ActiveEnergy &&
		o.PowerFactor.EqualAt(v.PowerFactor, 3)
}

func (v Electricity) wire() any { return v }

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}
