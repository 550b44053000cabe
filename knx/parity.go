package knx

// OddParity reports whether b contains an odd number of set bits.
func OddParity(b byte) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1

	return b&1 == 1
}
