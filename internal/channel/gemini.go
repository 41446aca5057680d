package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/logging"
	"google.golang.org/genai"
)

// GeminiDialer opens Gemini Live sessions that answer with native audio and
// transcribe both directions.
type GeminiDialer struct {
	apiKey string
	cfg    Config

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiDialer(apiKey string, cfg Config) *GeminiDialer {
	return &GeminiDialer{apiKey: apiKey, cfg: cfg}
}

func (d *GeminiDialer) clientFor(ctx context.Context) (*genai.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	if d.apiKey == "" {
		return nil, errors.New("gemini: API key not configured")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: d.apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	d.client = c
	return c, nil
}

func (d *GeminiDialer) Dial(ctx context.Context) (Session, error) {
	client, err := d.clientFor(ctx)
	if err != nil {
		return nil, err
	}
	live, err := client.Live.Connect(ctx, d.cfg.Model, liveConfig(d.cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini: connect: %w", err)
	}
	s := &geminiSession{live: live, events: make(chan Event, 64), done: make(chan struct{})}
	go s.read()
	logging.Infow("gemini: live session connected", "model", d.cfg.Model, "voice", d.cfg.Voice)
	return s, nil
}

func liveConfig(cfg Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, functionDeclaration(t))
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return lc
}

func functionDeclaration(t ToolSpec) *genai.FunctionDeclaration {
	schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	for _, p := range t.Params {
		schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description, Enum: p.Enum}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: schema}
}

type geminiSession struct {
	live   *genai.Session
	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *geminiSession) Events() <-chan Event { return s.events }

func (s *geminiSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *geminiSession) SendAudio(_ context.Context, data []byte, mimeType string) error {
	if s.closed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.live.SendRealtimeInput(genai.LiveRealtimeInput{Audio: &genai.Blob{Data: data, MIMEType: mimeType}})
}

func (s *geminiSession) SendText(_ context.Context, text string) error {
	if s.closed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.live.SendRealtimeInput(genai.LiveRealtimeInput{Text: text})
}

func (s *geminiSession) SendToolResponse(_ context.Context, resp ToolResponse) error {
	if s.closed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.live.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{ID: resp.ID, Name: resp.Name, Response: resp.Result}},
	})
}

func (s *geminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.live.Close()
	})
	return err
}

func (s *geminiSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *geminiSession) read() {
	defer close(s.events)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if !s.closed() {
				logging.Warnw("gemini: receive failed", "err", err)
				s.emit(Event{Kind: KindError, Err: err})
				_ = s.Close()
			}
			return
		}
		for _, ev := range translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// translate maps one server message to events in the order the client
// must observe them: transcripts and audio before the turn boundary.
func translate(msg *genai.LiveServerMessage) []Event {
	var out []Event
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, Event{Kind: KindTranscript, Speaker: SpeakerUser, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, Event{Kind: KindTranscript, Speaker: SpeakerAgent, Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil {
					continue
				}
				if p.InlineData != nil && len(p.InlineData.Data) > 0 {
					out = append(out, Event{Kind: KindAudio, Audio: audio.Chunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType}})
				}
				if p.Text != "" && !p.Thought {
					out = append(out, Event{Kind: KindTranscript, Speaker: SpeakerAgent, Text: p.Text})
				}
			}
		}
		if sc.Interrupted {
			out = append(out, Event{Kind: KindInterrupted})
		}
		if sc.TurnComplete {
			out = append(out, Event{Kind: KindTurnComplete})
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out = append(out, Event{Kind: KindToolCall, Tool: ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}})
		}
	}
	return out
}
