package voice

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/clara-voice-lab/internal/logging"
)

// CommandEngine speaks through an espeak-ng compatible binary that plays
// audio itself.
type CommandEngine struct {
	*serialQueue
	command string
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)

	mu     sync.RWMutex
	voices []Voice
}

// NewCommandEngine starts loading the voice list in the background.
func NewCommandEngine(command string) *CommandEngine {
	if command == "" {
		command = "espeak-ng"
	}
	e := &CommandEngine{command: command, run: runCommand}
	e.serialQueue = newSerialQueue(e.render)
	go e.loadVoices(context.Background())
	return e
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (e *CommandEngine) loadVoices(ctx context.Context) {
	out, err := e.run(ctx, e.command, "--voices")
	if err != nil {
		logging.Warnw("tts: listing voices failed", "command", e.command, "err", err)
		return
	}
	voices := parseVoiceList(out)
	e.mu.Lock()
	e.voices = voices
	e.mu.Unlock()
	logging.Debugw("tts: voices loaded", "command", e.command, "count", len(voices))
}

// parseVoiceList reads `espeak-ng --voices` output: a header row, then
// "Pty Language Age/Gender VoiceName File ..." columns.
func parseVoiceList(out []byte) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		f := strings.Fields(sc.Text())
		if len(f) < 4 {
			continue
		}
		voices = append(voices, Voice{Name: f[3], Lang: f[1]})
	}
	return voices
}

func (e *CommandEngine) Voices() []Voice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Voice(nil), e.voices...)
}

func (e *CommandEngine) render(ctx context.Context, req SegmentRequest) error {
	_, err := e.run(ctx, e.command, commandArgs(req)...)
	return err
}

func commandArgs(req SegmentRequest) []string {
	voiceName := strings.ToLower(req.Locale)
	if req.Voice != nil && req.Voice.Lang != "" {
		voiceName = req.Voice.Lang
	}
	p := req.Profile
	if p == (Profile{}) {
		p = DefaultProfile
	}
	return []string{
		"-v", voiceName,
		"-s", strconv.Itoa(int(math.Round(175 * p.Rate))),
		"-p", strconv.Itoa(clampInt(int(math.Round(50*p.Pitch)), 0, 99)),
		"-a", strconv.Itoa(clampInt(int(math.Round(100*p.Volume)), 0, 200)),
		"--", req.Text,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
