package sensor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type fakeStream struct {
	mu     sync.Mutex
	r      *bytes.Reader
	resets int
	closes int
	closed bool
}

func newFakeStream(chunks ...[]byte) *fakeStream {
	return &fakeStream{r: bytes.NewReader(bytes.Join(chunks, nil))}
}

func (f *fakeStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("stream closed")
	}
	return f.r.Read(p)
}

func (f *fakeStream) ResetInputBuffer() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closes++
	f.closed = true
	f.mu.Unlock()
	return nil
}

var testWords = [13]uint16{5, 12, 20, 6, 13, 21, 300, 150, 80, 10, 3, 1, 0}

func makeFrame(words [13]uint16) []byte {
	f := make([]byte, FrameLen)
	f[0], f[1] = startByte1, startByte2
	binary.BigEndian.PutUint16(f[2:], 28)
	for i, w := range words {
		binary.BigEndian.PutUint16(f[4+2*i:], w)
	}
	binary.BigEndian.PutUint16(f[30:], Checksum(f[:30]))
	return f
}

func testReader(s Stream) *Reader {
	return NewReader(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReadFrameDecodesValidFrame(t *testing.T) {
	s := newFakeStream([]byte{0x01, 0x02, 0x42, 0x00}, makeFrame(testWords))
	frame, err := testReader(s).ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if s.resets != 1 {
		t.Fatalf("expected one input reset, got %d", s.resets)
	}
	got := Decode(frame)
	want := Sample{
		PM1CF1: 5, PM25CF1: 12, PM10CF1: 20,
		PM1: 6, PM25: 13, PM10: 21,
		Particles03: 300, Particles05: 150, Particles10: 80,
		Particles25: 10, Particles50: 3, Particles100: 1,
		Reserved: 0, Checksum: binary.BigEndian.Uint16(frame[30:]),
	}
	if got != want {
		t.Fatalf("decoded %+v, want %+v", got, want)
	}
}

func TestReadFrameRejectsAnyCorruptedByte(t *testing.T) {
	good := makeFrame(testWords)
	for i := 0; i < FrameLen; i++ {
		bad := bytes.Clone(good)
		bad[i] ^= 0x01
		_, err := testReader(newFakeStream(bad)).ReadFrame(context.Background())
		if !errors.Is(err, ErrNoFrame) {
			t.Fatalf("byte %d flipped: expected ErrNoFrame, got %v", i, err)
		}
	}
}

func TestReadFrameSkipsBadFrameAndResyncs(t *testing.T) {
	bad := makeFrame(testWords)
	bad[10]++
	want := makeFrame([13]uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0})
	// a doubled first marker byte must not hide the real frame start
	s := newFakeStream(bad, []byte{0x42}, want)
	frame, err := testReader(s).ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(frame, want) {
		t.Fatalf("got frame %x, want %x", frame, want)
	}
}

func TestReadFrameShortFrameIsNoFrame(t *testing.T) {
	s := newFakeStream(makeFrame(testWords)[:12])
	_, err := testReader(s).ReadFrame(context.Background())
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestReadFrameHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testReader(newFakeStream(makeFrame(testWords))).ReadFrame(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadFrameWrapsStreamErrors(t *testing.T) {
	s := newFakeStream(makeFrame(testWords))
	_ = s.Close()
	_, err := testReader(s).ReadFrame(context.Background())
	if err == nil || errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected a read error, got %v", err)
	}
}

func TestDecodePanicsOnShortInput(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Decode(make([]byte, 31))
}
