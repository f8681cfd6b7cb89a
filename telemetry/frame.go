package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.ntppool.org/gnssrx/channel"
)

// FrameSize is the wire size of a Frame: seven little endian float32.
const FrameSize = 7 * 4

var ErrShortFrame = errors.New("telemetry frame too short")

// Frame is one acquisition report on the wire. Fields are sent in
// declaration order.
type Frame struct {
	Channel   uint32
	Group     channel.Group
	PRN       uint32
	Acquired  bool
	CodePhase float64 // samples
	PeakRatio float64
	Epoch     uint64
}

// group codes on the wire
var groupCodes = map[channel.Group]float32{
	channel.GroupGPS:    1,
	channel.GroupBeiDou: 2,
}

func groupFromCode(c float32) channel.Group {
	for g, code := range groupCodes {
		if code == c {
			return g
		}
	}
	return ""
}

func (f Frame) String() string {
	return fmt.Sprintf("ch%d %s%02d acquired=%t phase=%.0f ratio=%.2f epoch=%d",
		f.Channel, f.Group, f.PRN, f.Acquired, f.CodePhase, f.PeakRatio, f.Epoch)
}

// AppendBinary appends the wire form of f to b.
func (f Frame) AppendBinary(b []byte) ([]byte, error) {
	acquired := float32(0)
	if f.Acquired {
		acquired = 1
	}
	ratio := f.PeakRatio
	if math.IsInf(ratio, 1) {
		ratio = math.MaxFloat32
	}

	for _, v := range [7]float32{
		float32(f.Channel),
		groupCodes[f.Group],
		float32(f.PRN),
		acquired,
		float32(f.CodePhase),
		float32(ratio),
		float32(f.Epoch),
	} {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b, nil
}

func (f Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, FrameSize))
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < FrameSize {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	var v [7]float32
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	*f = Frame{
		Channel:   uint32(v[0]),
		Group:     groupFromCode(v[1]),
		PRN:       uint32(v[2]),
		Acquired:  v[3] != 0,
		CodePhase: float64(v[4]),
		PeakRatio: float64(v[5]),
		Epoch:     uint64(v[6]),
	}
	return nil
}
