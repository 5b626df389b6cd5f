// Package sensor reads the Plantower PMS7003 particulate sensor.
//
// Every frame is 32 bytes: the 0x42 0x4D start marker, a big-endian frame
// length, thirteen big-endian data words and a trailing big-endian checksum
// equal to the sum of the preceding 30 bytes modulo 65536.
package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	FrameLen   = 32
	startByte1 = 0x42
	startByte2 = 0x4d
)

// ErrNoFrame is returned when the stream ran dry (timeout or EOF) before a
// valid frame was found.
var ErrNoFrame = errors.New("sensor: no frame")

// Stream is the byte source a sensor is attached to. A zero-byte read with a
// nil error is a read timeout.
type Stream interface {
	io.Reader
	ResetInputBuffer() error
	Close() error
}

type Sample struct {
	PM1CF1       uint16 `json:"pm1_0_cf1"`
	PM25CF1      uint16 `json:"pm2_5_cf1"`
	PM10CF1      uint16 `json:"pm10_cf1"`
	PM1          uint16 `json:"pm1_0"`
	PM25         uint16 `json:"pm2_5"`
	PM10         uint16 `json:"pm10"`
	Particles03  uint16 `json:"particles_0_3um"`
	Particles05  uint16 `json:"particles_0_5um"`
	Particles10  uint16 `json:"particles_1_0um"`
	Particles25  uint16 `json:"particles_2_5um"`
	Particles50  uint16 `json:"particles_5_0um"`
	Particles100 uint16 `json:"particles_10um"`
	Reserved     uint16 `json:"-"`
	Checksum     uint16 `json:"-"`
}

// Decode unpacks the fourteen words following the frame header. The caller
// must pass a full frame; anything shorter is a programming error.
func Decode(frame []byte) Sample {
	if len(frame) < FrameLen {
		panic(fmt.Sprintf("sensor: decode of %d-byte frame", len(frame)))
	}
	w := func(i int) uint16 { return binary.BigEndian.Uint16(frame[4+2*i:]) }
	return Sample{
		PM1CF1:       w(0),
		PM25CF1:      w(1),
		PM10CF1:      w(2),
		PM1:          w(3),
		PM25:         w(4),
		PM10:         w(5),
		Particles03:  w(6),
		Particles05:  w(7),
		Particles10:  w(8),
		Particles25:  w(9),
		Particles50:  w(10),
		Particles100: w(11),
		Reserved:     w(12),
		Checksum:     w(13),
	}
}

// Checksum sums b modulo 65536.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}

func validFrame(frame []byte) bool {
	return len(frame) == FrameLen && Checksum(frame[:FrameLen-2]) == binary.BigEndian.Uint16(frame[FrameLen-2:])
}

// Reader pulls validated frames off a Stream.
type Reader struct {
	stream Stream
	log    *slog.Logger
	one    [1]byte
}

func NewReader(s Stream, logger *slog.Logger) *Reader {
	return &Reader{stream: s, log: logger}
}

// ReadFrame discards whatever is buffered on the stream and scans for the
// next valid frame. Malformed and short frames are dropped and the scan
// resumes. It returns ErrNoFrame once the stream has nothing more to give.
func (r *Reader) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := r.stream.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}
	frame := make([]byte, FrameLen)
	frame[0], frame[1] = startByte1, startByte2

	var prev byte
	scanned := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		scanned++
		if prev != startByte1 || b != startByte2 {
			prev = b
			continue
		}
		prev = 0

		n, err := r.readFull(frame[2:])
		if err != nil && !errors.Is(err, ErrNoFrame) {
			return nil, err
		}
		if n != FrameLen-2 {
			r.log.Warn("incomplete frame", "want", FrameLen-2, "got", n)
			continue
		}
		if !validFrame(frame) {
			r.log.Warn("checksum mismatch",
				"expected", binary.BigEndian.Uint16(frame[FrameLen-2:]),
				"calculated", Checksum(frame[:FrameLen-2]))
			continue
		}
		r.log.Debug("frame received", "scanned_bytes", scanned+FrameLen-2)
		return frame, nil
	}
}

func (r *Reader) readByte() (byte, error) {
	n, err := r.stream.Read(r.one[:])
	if n == 1 {
		return r.one[0], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return 0, ErrNoFrame
	}
	return 0, fmt.Errorf("read sensor stream: %w", err)
}

// readFull stops early on a timeout or EOF; the short count tells the caller.
func (r *Reader) readFull(buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := r.stream.Read(buf[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return got, ErrNoFrame
			}
			return got, fmt.Errorf("read sensor stream: %w", err)
		}
		if n == 0 {
			return got, ErrNoFrame
		}
	}
	return got, nil
}

// ReadFrame is a one-shot Reader using the default logger.
func ReadFrame(ctx context.Context, s Stream) ([]byte, error) {
	return NewReader(s, slog.Default()).ReadFrame(ctx)
}
