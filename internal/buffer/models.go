package buffer

import "fmt"

// Status describes whether a frame carries real acquired data.
type Status uint8

const (
	StatusValid      Status = iota // acquired normally
	StatusMissing                  // placeholder for a dropped acquisition
	StatusOutOfRange               // source reported data outside its working volume
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusMissing:
		return "missing"
	case StatusOutOfRange:
		return "out_of_range"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	return s <= StatusOutOfRange
}

// Frame is a single timestamped unit of acquired data.
type Frame struct {
	Payload     []byte            // image bytes or encoded pose
	Fields      map[string]string // optional per-frame metadata
	Timestamp   float64           // seconds on the acquisition clock
	FrameNumber uint64            // assigned by StreamBuffer.Insert
	Status      Status
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	out := f
	if f.Payload != nil {
		out.Payload = make([]byte, len(f.Payload))
		copy(out.Payload, f.Payload)
	}
	if f.Fields != nil {
		out.Fields = make(map[string]string, len(f.Fields))
		for k, v := range f.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
