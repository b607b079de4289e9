package mjpeg

import "bytes"

// JPEG markers
var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Config bounds the frames the Framer will emit.
type Config struct {
	MinFrameBytes int // frames below this are counted and dropped
	MaxFrameBytes int // frames above this are counted and dropped
	BufferMax     int // desync guard: buffer reset threshold
}

const (
	DefaultMinFrameBytes = 1 << 10   // 1 KiB
	DefaultMaxFrameBytes = 500 << 10 // 500 KiB
	DefaultBufferMax     = 2 << 20   // 2 MiB
)

// Stats are cumulative counters since the Framer was created.
type Stats struct {
	FramesEmitted  uint64
	FramesTooSmall uint64
	FramesTooLarge uint64
	Desyncs        uint64
	BytesIn        uint64
}

// Framer reassembles complete JPEG frames (SOI..EOI inclusive) from an
// ordered byte stream. It is deterministic and holds no timers; it is NOT
// safe for concurrent use. One Framer per session, owned by the session's
// reader goroutine.
type Framer struct {
	cfg   Config
	buf   []byte
	stats Stats
}

func NewFramer(cfg Config) *Framer {
	if cfg.MinFrameBytes <= 0 {
		cfg.MinFrameBytes = DefaultMinFrameBytes
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.BufferMax <= 0 {
		cfg.BufferMax = DefaultBufferMax
	}
	return &Framer{cfg: cfg}
}

// Push appends chunk to the rolling buffer and returns every complete frame
// that can be extracted, in stream order. Each returned frame is an owned
// copy; the internal buffer may be reused.
//
// Returns desynced=true when the buffer exceeded BufferMax without yielding
// a frame and was discarded. This is recoverable: subsequent chunks start a
// fresh buffer.
func (f *Framer) Push(chunk []byte) (frames [][]byte, desynced bool) {
	f.stats.BytesIn += uint64(len(chunk))
	f.buf = append(f.buf, chunk...)

	for {
		start := bytes.Index(f.buf, soi)
		if start == -1 {
			// Garbage before the first SOI is dropped. Keep a trailing 0xFF
			// in case the marker straddles the chunk boundary.
			if n := len(f.buf); n > 0 && f.buf[n-1] == 0xFF {
				f.buf = f.buf[:1]
				f.buf[0] = 0xFF
			} else {
				f.buf = f.buf[:0]
			}
			break
		}
		if start > 0 {
			f.buf = f.buf[start:]
		}

		end := bytes.Index(f.buf[2:], eoi)
		if end == -1 {
			// Partial frame: wait for more bytes unless the desync guard trips.
			if len(f.buf) > f.cfg.BufferMax {
				f.buf = f.buf[:0]
				f.stats.Desyncs++
				desynced = true
			}
			break
		}
		frameEnd := end + 2 + len(eoi)

		size := frameEnd
		switch {
		case size < f.cfg.MinFrameBytes:
			f.stats.FramesTooSmall++
		case size > f.cfg.MaxFrameBytes:
			f.stats.FramesTooLarge++
		default:
			frame := make([]byte, size)
			copy(frame, f.buf[:frameEnd])
			frames = append(frames, frame)
			f.stats.FramesEmitted++
		}

		// Trailing bytes after EOI are retained for the next pass.
		f.buf = f.buf[frameEnd:]
	}

	return frames, desynced
}

// Stats returns a copy of the cumulative counters.
func (f *Framer) Stats() Stats {
	return f.stats
}

// Buffered reports how many bytes are currently held as a partial frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
