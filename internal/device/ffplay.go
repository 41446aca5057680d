package device

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// FFplaySink pipes raw PCM16LE mono into an ffplay process.
type FFplaySink struct {
	Command    string
	SampleRate int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFplaySink starts the player. command defaults to "ffplay".
func NewFFplaySink(command string, sampleRate int) (*FFplaySink, error) {
	if command == "" {
		command = "ffplay"
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("%s is required for playback: %w", command, err)
	}
	s := &FFplaySink{Command: command, SampleRate: sampleRate}
	if err := s.startLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FFplaySink) startLocked() error {
	s.cmd = exec.Command(s.Command,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(s.SampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open %s stdin: %w", s.Command, err)
	}
	s.cmd.Stdout = io.Discard
	s.cmd.Stderr = io.Discard
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.Command, err)
	}
	s.stdin = stdin
	return nil
}

func (s *FFplaySink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errors.New("player stdin is not initialized")
	}
	_, err := s.stdin.Write(pcm)
	return err
}

// Reset kills the player to drop its buffer and starts a fresh one.
func (s *FFplaySink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	return s.startLocked()
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	return nil
}

func (s *FFplaySink) killLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
}
