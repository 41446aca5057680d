package device

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
)

// CommandMicrophone records mono PCM16LE from an external recorder:
// arecord (ALSA) or ffmpeg (pulse on linux, avfoundation on darwin).
type CommandMicrophone struct {
	Command string
}

// Open starts the recorder. Closing the returned reader stops the process
// and releases the device.
func (m CommandMicrophone) Open(ctx context.Context, sampleRate int) (io.ReadCloser, error) {
	command := m.Command
	if command == "" {
		command = "arecord"
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("%s is required for mic capture: %w", command, err)
	}
	args, err := recorderArgs(filepath.Base(command), runtime.GOOS, sampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open %s stdout: %w", command, err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	return &recorder{cmd: cmd, stdout: stdout}, nil
}

func recorderArgs(name, goos string, rate int) ([]string, error) {
	r := strconv.Itoa(rate)
	switch {
	case name == "arecord":
		return []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", r}, nil
	case name == "ffmpeg" && goos == "linux":
		return []string{"-hide_banner", "-loglevel", "error", "-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", r, "-f", "s16le", "-"}, nil
	case name == "ffmpeg" && goos == "darwin":
		return []string{"-hide_banner", "-loglevel", "error", "-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", r, "-f", "s16le", "-"}, nil
	default:
		return nil, fmt.Errorf("mic capture with %s is not supported on %s", name, goos)
	}
}

type recorder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (r *recorder) Read(p []byte) (int, error) { return r.stdout.Read(p) }

func (r *recorder) Close() error {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
		_ = r.cmd.Wait()
	}
	return nil
}
