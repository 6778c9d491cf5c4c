package domain

// FrameWidth is the CAN 2.0 payload width every frame is normalized to.
const FrameWidth = 8

// TimestampColumn is appended to every signal table.
const TimestampColumn = "timeStamp"

type RawFrame struct {
	ID        uint32
	Payload   []byte
	Timestamp float64 // seconds since pipeline start
}

// NormalizePayload zero-pads or truncates b to FrameWidth.
func NormalizePayload(b []byte) []byte {
	out := make([]byte, FrameWidth)
	copy(out, b)
	return out
}

type SignalType string

const (
	SignalBool  SignalType = "bool"
	SignalInt   SignalType = "int"
	SignalFloat SignalType = "float"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalBool, SignalInt, SignalFloat:
		return true
	}
	return false
}

// SignalValue holds a decoded signal. Bool signals carry 0 or 1.
type SignalValue struct {
	Name  string
	Type  SignalType
	Value float64
}

func (v SignalValue) Bool() bool {
	return v.Value != 0
}

type DecodedMessage struct {
	Name      string
	ID        uint32
	Signals   []SignalValue
	Timestamp float64
}

func (m *DecodedMessage) Lookup(name string) (SignalValue, bool) {
	for _, s := range m.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalValue{}, false
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
