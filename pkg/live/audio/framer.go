package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// FrameSize is the number of samples carried by one transport frame.
const FrameSize = 4096

// Frame is one fixed-size block of 16-bit PCM plus a loudness level in [0, 1].
type Frame struct {
	PCM   []int16
	Level float64
}

// Bytes returns the frame as signed 16-bit little-endian PCM.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.PCM)*2)
	for i, s := range f.PCM {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Framer accumulates float samples from a capture source and emits a Frame
// every time its buffer fills.
type Framer struct {
	mu     sync.Mutex
	buf    []float32
	cursor int
	emit   func(Frame)
}

func NewFramer(size int, emit func(Frame)) *Framer {
	if size <= 0 {
		size = FrameSize
	}
	return &Framer{
		buf:  make([]float32, size),
		emit: emit,
	}
}

// Write consumes a chunk of samples in [-1, 1]. Chunks may be any size;
// emission happens synchronously on the calling goroutine.
func (f *Framer) Write(samples []float32) {
	if f == nil || len(samples) == 0 {
		return
	}

	var ready []Frame
	f.mu.Lock()
	for _, s := range samples {
		f.buf[f.cursor] = s
		f.cursor++
		if f.cursor == len(f.buf) {
			ready = append(ready, f.frameLocked())
			f.cursor = 0
		}
	}
	f.mu.Unlock()

	if f.emit == nil {
		return
	}
	for _, frame := range ready {
		f.emit(frame)
	}
}

// Buffered reports how many samples are waiting for the next frame.
func (f *Framer) Buffered() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Reset drops any partially filled frame.
func (f *Framer) Reset() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.cursor = 0
	f.mu.Unlock()
}

func (f *Framer) frameLocked() Frame {
	pcm := make([]int16, len(f.buf))
	for i, s := range f.buf {
		pcm[i] = ToPCM16(s)
	}
	return Frame{PCM: pcm, Level: Level(f.buf)}
}

// ToPCM16 narrows one float sample to signed 16-bit PCM, clamping to the
// representable range.
func ToPCM16(sample float32) int16 {
	v := float64(sample) * 32768
	if v >= 32767 {
		return 32767
	}
	if v <= -32768 {
		return -32768
	}
	if math.IsNaN(v) {
		return 0
	}
	return int16(v)
}

// Level is the mean absolute amplitude scaled by 5 and capped at 1. NaN
// samples count as silence.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if v := float64(s); !math.IsNaN(v) {
			sum += math.Abs(v)
		}
	}
	return math.Min(1.0, (sum/float64(len(samples)))*5)
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples as sent by
// browser capture worklets.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 payload length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
