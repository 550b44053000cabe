package knx

// Medium is a KNX transmission medium.
type Medium uint8

// KNX media codes as used in the cEMI medium type field.
const (
	MediumTP1   Medium = 0x02
	MediumPL110 Medium = 0x04
	MediumRF    Medium = 0x10
	MediumKNXIP Medium = 0x20
)

// IsOpen reports whether the medium is shared with foreign installations, requiring a domain address.
func (m Medium) IsOpen() bool {
	return m == MediumPL110 || m == MediumRF
}

// String returns the medium name.
func (m Medium) String() string {
	switch m {
	case MediumTP1:
		return "TP1"
	case MediumPL110:
		return "PL110"
	case MediumRF:
		return "RF"
	case MediumKNXIP:
		return "KNX IP"
	default:
		return "unknown"
	}
}
