package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/call"
	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/mcp"
	"github.com/clara-voice-lab/internal/voice"
)

var errQuit = errors.New("quit")

// controls is what the console can do to the running app.
type controls interface {
	StartMic(ctx context.Context) error
	StopMic()
	Recording() bool
	Say(text, lang string) error
	Call(target string) (string, error)
	EndCall() error
	Status() mcp.Status
	Permissions() <-chan call.PermissionRequest
	Answer(allow bool) bool
}

const help = "commands: mic | say [-<lang>] <text> | call [staff] | end | status | allow | deny | quit"

type console struct {
	ctl controls
	in  io.Reader

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Run reads commands until quit or ctx ends. Reaching the end of input
// leaves the app running.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s", help)
	in := lines
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.ctl.Permissions():
			c.printf("permission: call %s needs the microphone and camera (%s); type allow or deny", req.Target, req.Media)
		case line, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if err := c.exec(ctx, line); errors.Is(err, errQuit) {
				return err
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "":
	case "mic":
		if c.ctl.Recording() {
			c.ctl.StopMic()
			c.printf("mic off")
			return nil
		}
		if err := c.ctl.StartMic(ctx); err != nil {
			c.printf("mic: %v", err)
			return nil
		}
		c.printf("listening")
	case "say":
		lang := ""
		if strings.HasPrefix(rest, "-") {
			lang, rest, _ = strings.Cut(rest[1:], " ")
			rest = strings.TrimSpace(rest)
		}
		if rest == "" {
			c.printf("say: nothing to say")
			return nil
		}
		if err := c.ctl.Say(rest, lang); err != nil {
			c.printf("say: %v", err)
		}
	case "call":
		id, err := c.ctl.Call(rest)
		if err != nil {
			c.printf("call: %v", err)
			return nil
		}
		c.printf("calling (%s)", id)
	case "end":
		if err := c.ctl.EndCall(); err != nil {
			c.printf("end: %v", err)
		}
	case "status":
		s := c.ctl.Status()
		c.printf("audio=%s queue=%d lang=%s (%.2f) call=%s %s", s.AudioMode, s.QueueSize, s.Lang, s.Confidence, s.CallState, s.CallTarget)
	case "allow", "deny":
		if !c.ctl.Answer(cmd == "allow") {
			c.printf("no permission request pending")
		}
	case "quit", "exit":
		return errQuit
	default:
		c.printf("%s", help)
	}
	return nil
}

func (c *console) utterance(u voice.Utterance) {
	who := "you"
	if u.Speaker == channel.SpeakerAgent {
		who = "clara"
	}
	c.printf("%s [%s]: %s", who, u.Lang, u.Text)
}

func (c *console) summary(s call.Summary) {
	c.printf("call with %s ended: %s after %s", s.Target, s.Reason, s.Duration.Round(100*time.Millisecond))
}
