package midi

// Data is an opaque, immutable buffer of MIDI command bytes in standard
// running-status encoding. It carries no channel or timestamp metadata
// beyond what is embedded in the bytes themselves.
type Data struct {
	bytes []byte
}

// NewData copies b into an immutable Data value.
func NewData(b []byte) Data {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Data{bytes: cp}
}

// Bytes returns a defensive copy of the underlying command bytes.
func (d Data) Bytes() []byte {
	cp := make([]byte, len(d.bytes))
	copy(cp, d.bytes)
	return cp
}

func (d Data) Len() int { return len(d.bytes) }
