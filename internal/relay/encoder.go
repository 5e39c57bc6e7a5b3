// Managed ffmpeg subprocess: reads the WebM stream on stdin, encodes
// H.264/AAC and republishes FLV to the ingest URL.
package relay

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// EncoderState tracks the subprocess lifecycle. An encoder that has
// exited never restarts itself; the server decides when a fresh one is
// warranted.
type EncoderState int

const (
	EncoderNotStarted EncoderState = iota
	EncoderRunning
	EncoderExited
)

func (s EncoderState) String() string {
	switch s {
	case EncoderNotStarted:
		return "not-started"
	case EncoderRunning:
		return "running"
	case EncoderExited:
		return "exited"
	default:
		return "unknown"
	}
}

var ErrEncoderDown = errors.New("relay: encoder not running")

// stopGrace is how long Stop waits after SIGINT before killing the
// process outright.
const stopGrace = 5 * time.Second

// encoderArgs builds the ffmpeg argv for republishing to ingestURL.
func encoderArgs(ingestURL string) []string {
	return []string{
		"-re",
		"-f", "webm",
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-c:a", "aac",
		"-strict", "-2",
		"-ar", "44100",
		"-b:a", "128k",
		"-pix_fmt", "yuv420p",
		"-f", "flv",
		ingestURL,
	}
}

// Encoder wraps one ffmpeg process.
type Encoder struct {
	ingestURL string
	binary    string

	mu     sync.Mutex
	state  EncoderState
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	onExit func(err error)
}

// NewEncoder prepares an encoder for the given ingest URL without
// starting the process. onExit fires once, from the wait goroutine,
// when a started process ends for any reason.
func NewEncoder(ingestURL string, onExit func(err error)) *Encoder {
	return &Encoder{
		ingestURL: ingestURL,
		binary:    "ffmpeg",
		state:     EncoderNotStarted,
		onExit:    onExit,
	}
}

// Start spawns ffmpeg. Starting a running encoder is an error.
func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == EncoderRunning {
		return fmt.Errorf("relay: encoder already running")
	}

	cmd := exec.Command(e.binary, encoderArgs(e.ingestURL)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.state = EncoderRunning
	log.Infow("encoder started", "pid", cmd.Process.Pid, "ingest", e.ingestURL)

	go func() {
		err := cmd.Wait()
		e.mu.Lock()
		if e.cmd == cmd {
			e.state = EncoderExited
			e.stdin = nil
		}
		e.mu.Unlock()
		if err != nil {
			log.Warnw("encoder exited", "err", err)
		} else {
			log.Infow("encoder exited")
		}
		if e.onExit != nil {
			e.onExit(err)
		}
	}()
	return nil
}

// Write feeds stream bytes to ffmpeg's stdin.
func (e *Encoder) Write(data []byte) error {
	e.mu.Lock()
	stdin := e.stdin
	running := e.state == EncoderRunning
	e.mu.Unlock()

	if !running || stdin == nil {
		return ErrEncoderDown
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("encoder write: %w", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (e *Encoder) State() EncoderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stop closes stdin and interrupts the process, giving ffmpeg a chance
// to flush its output before a hard kill.
func (e *Encoder) Stop() {
	e.mu.Lock()
	cmd := e.cmd
	stdin := e.stdin
	running := e.state == EncoderRunning
	e.mu.Unlock()

	if !running || cmd == nil {
		return
	}

	if stdin != nil {
		stdin.Close()
	}
	cmd.Process.Signal(syscall.SIGINT)

	deadline := time.After(stopGrace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			cmd.Process.Kill()
			return
		case <-tick.C:
			if e.State() == EncoderExited {
				return
			}
		}
	}
}
