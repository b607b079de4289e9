package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrTranscoderUnavailable means the ffmpeg binary could not be found.
	ErrTranscoderUnavailable = errors.New("transcoder binary not available")
	// ErrStartTimeout means the process produced no output within the start window.
	ErrStartTimeout = errors.New("transcoder produced no output before start timeout")
	// ErrStillTimeout means a still capture did not complete in time.
	ErrStillTimeout = errors.New("still capture timed out")
)

var interruptSignal = os.Interrupt

// Config controls how transcoder child processes are launched.
type Config struct {
	FFmpegPath string

	StartTimeout time.Duration // first stdout bytes must arrive within this
	StillTimeout time.Duration // whole still capture must finish within this
	KillTimeout  time.Duration // grace between interrupt and SIGKILL

	FPS     int
	Width   int
	Height  int
	Quality int // ffmpeg -q:v, lower is better
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 2 * time.Second
	}
	if c.StillTimeout <= 0 {
		c.StillTimeout = 5 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 5 * time.Second
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.Width <= 0 {
		c.Width = 800
	}
	if c.Height <= 0 {
		c.Height = 600
	}
	if c.Quality <= 0 {
		c.Quality = 5
	}
	return c
}

// EventKind discriminates Process events.
type EventKind int

const (
	// EventBytes carries a chunk of MJPEG stdout data.
	EventBytes EventKind = iota
	// EventStderr carries one diagnostic line from the child.
	EventStderr
	// EventExit is the final event on the stream; Err is nil on clean exit.
	EventExit
)

// Event is one item on a Process event stream. Exactly one EventExit is
// delivered, always last, after which the channel is closed.
type Event struct {
	Kind EventKind
	Data []byte // EventBytes
	Line string // EventStderr
	Err  error  // EventExit
}

// Supervisor launches and supervises ffmpeg child processes.
type Supervisor struct {
	cfg Config
}

func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults()}
}

func (s *Supervisor) mjpegArgs(sourceURL string) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-fflags", "+flush_packets+nobuffer",
		"-flags", "low_delay",
		"-i", sourceURL,
		"-an",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(s.cfg.Quality),
		"-r", strconv.Itoa(s.cfg.FPS),
		"-s", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"-pix_fmt", "yuvj420p",
		"-tune", "zerolatency",
		"-f", "mjpeg",
		"pipe:1",
	}
}

func (s *Supervisor) stillArgs(sourceURL string) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", sourceURL,
		"-an",
		"-frames:v", "1",
		"-q:v", strconv.Itoa(s.cfg.Quality),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"pipe:1",
	}
}

// Process is a running MJPEG transcode. Consume Events until it closes;
// the last event is always EventExit.
type Process struct {
	cmd         *exec.Cmd
	events      chan Event
	firstOutput chan struct{}
	firstOnce   sync.Once
	stopOnce    sync.Once
	killTimeout time.Duration
	done        chan struct{}
}

// Events returns the process event stream. The channel is closed after the
// EventExit is delivered.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Stop asks the child to exit, escalating to SIGKILL after the kill timeout.
// Safe to call more than once and after exit.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(interruptSignal)
		}
		select {
		case <-p.done:
		case <-time.After(p.killTimeout):
			if p.cmd.Process != nil {
				log.Printf("[Transcoder] pid %d did not exit after interrupt, killing", p.cmd.Process.Pid)
				_ = p.cmd.Process.Kill()
			}
			<-p.done
		}
	})
}

// Start launches an MJPEG transcode of sourceURL. The returned Process emits
// EventBytes chunks as they arrive. If no stdout bytes arrive within the
// start timeout the child is killed and the stream ends with
// EventExit{Err: ErrStartTimeout}.
func (s *Supervisor) Start(ctx context.Context, sourceURL string) (*Process, error) {
	path, err := exec.LookPath(s.cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTranscoderUnavailable, s.cfg.FFmpegPath)
	}

	cmd := exec.CommandContext(ctx, path, s.mjpegArgs(sourceURL)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	p := &Process{
		cmd:         cmd,
		events:      make(chan Event, 64),
		firstOutput: make(chan struct{}),
		killTimeout: s.cfg.KillTimeout,
		done:        make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				p.firstOnce.Do(func() { close(p.firstOutput) })
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				p.events <- Event{Kind: EventBytes, Data: chunk}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
		for sc.Scan() {
			p.events <- Event{Kind: EventStderr, Line: sc.Text()}
		}
	}()

	// Start watchdog: no stdout within the window means a dead source.
	watchdogFired := make(chan struct{})
	go func() {
		timer := time.NewTimer(s.cfg.StartTimeout)
		defer timer.Stop()
		select {
		case <-p.firstOutput:
		case <-p.done:
		case <-timer.C:
			close(watchdogFired)
			log.Printf("[Transcoder] no output from %s within %s, killing pid %d",
				sourceURL, s.cfg.StartTimeout, cmd.Process.Pid)
			_ = cmd.Process.Kill()
		}
	}()

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		close(p.done)
		select {
		case <-watchdogFired:
			waitErr = ErrStartTimeout
		default:
		}
		p.events <- Event{Kind: EventExit, Err: waitErr}
		close(p.events)
	}()

	return p, nil
}

// CaptureStill grabs a single JPEG from sourceURL, bounded by the still
// timeout. The returned bytes are a complete JPEG image.
func (s *Supervisor) CaptureStill(ctx context.Context, sourceURL string) ([]byte, error) {
	path, err := exec.LookPath(s.cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTranscoderUnavailable, s.cfg.FFmpegPath)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StillTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, s.stillArgs(sourceURL)...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrStillTimeout
		}
		return nil, fmt.Errorf("still capture: %w (%s)", err, lastLine(errBuf.Bytes()))
	}

	data := out.Bytes()
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errors.New("still capture produced no valid JPEG")
	}
	return data, nil
}

func lastLine(b []byte) string {
	b = bytes.TrimRight(b, "\r\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	if len(b) > 200 {
		b = b[len(b)-200:]
	}
	return string(b)
}
