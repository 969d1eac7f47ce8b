package entry

// Kind identifies the typed payload of an entry. The string value doubles as
// the on-air facet.
type Kind string

const (
	KindLive        Kind = "live"
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindPressure    Kind = "pressure"
	KindVoltage     Kind = "voltage"
	KindMoisture    Kind = "moisture"
	KindDarkness    Kind = "darkness"
	KindLight       Kind = "light"
	KindPresence    Kind = "presence"
	KindBell        Kind = "bell"
	KindDoors       Kind = "doors"
	KindError       Kind = "error"
	KindRadar       Kind = "radar"
	KindRadio       Kind = "radio"
	KindElectricity Kind = "electricity"
)

// Kinds lists every entry kind, in a stable order used by bootstrap replay.
func Kinds() []Kind {
	return []Kind{
		KindLive,
		KindTemperature,
		KindHumidity,
		KindPressure,
		KindVoltage,
		KindMoisture,
		KindDarkness,
		KindLight,
		KindPresence,
		KindBell,
		KindDoors,
		KindError,
		KindRadar,
		KindRadio,
		KindElectricity,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}

	return false
}

// Facet returns the on-air facet for the kind.
func (k Kind) Facet() string {
	return string(k)
}
