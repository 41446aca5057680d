package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/device"
	"github.com/clara-voice-lab/internal/lang"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/google/uuid"
)

// TTSClient posts text to a synthesis service that answers with a WAV body.
type TTSClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
	TimeoutMs int
	Attempts  int
}

type ttsRequest struct {
	Text   string  `json:"text"`
	Lang   string  `json:"lang,omitempty"`
	Voice  string  `json:"voice,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
	Pitch  float64 `json:"pitch,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}

// Synthesize returns the decoded audio for one segment.
func (t *TTSClient) Synthesize(ctx context.Context, req SegmentRequest) (audio.Buffer, error) {
	if t == nil || t.URL == "" {
		return audio.Buffer{}, fmt.Errorf("tts client not configured")
	}
	body := ttsRequest{Text: req.Text, Lang: req.Locale, Rate: req.Profile.Rate, Pitch: req.Profile.Pitch, Volume: req.Profile.Volume}
	if req.Voice != nil {
		body.Voice = req.Voice.Name
	}
	b, _ := json.Marshal(body)
	timeout := 10000
	if t.TimeoutMs > 0 {
		timeout = t.TimeoutMs
	}
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	cid := uuid.NewString()
	status, audioBytes, err := PostWithRetries(ctx, t.Client, t.URL, b, t.AuthToken, timeout, attempts, cid)
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err, "correlation_id", cid)
		return audio.Buffer{}, err
	}
	if status >= 300 {
		logging.Warnw("tts: returned non-2xx", "status", status, "correlation_id", cid)
		return audio.Buffer{}, fmt.Errorf("tts returned status %d", status)
	}
	buf, err := audio.ParseWAV(audioBytes)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("tts response: %w", err)
	}
	return buf, nil
}

// PostWithRetries POSTs a JSON body and returns the status and full
// response body. Transport errors are retried with exponential backoff;
// HTTP error statuses are returned to the caller as-is.
func PostWithRetries(ctx context.Context, client *http.Client, url string, body []byte, authToken string, timeoutMs int, attempts int, correlationID string) (int, []byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		status, respBody, err := postOnce(ctx, client, url, body, authToken, timeoutMs)
		if err == nil {
			return status, respBody, nil
		}
		lastErr = err
		logging.Debugw("postWithRetries: POST attempt failed", "attempt", i+1, "err", err, "correlation_id", correlationID)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(time.Duration(200*(1<<i)) * time.Millisecond):
			}
		}
	}
	return 0, nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, body []byte, authToken string, timeoutMs int) (int, []byte, error) {
	ctxReq, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctxReq, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}

// HTTPEngine synthesizes through TTSClient and plays the result on a sink.
type HTTPEngine struct {
	*serialQueue
	client *TTSClient
	sink   device.Sink
	voices []Voice
}

func NewHTTPEngine(client *TTSClient, sink device.Sink) *HTTPEngine {
	if sink == nil {
		sink = device.DiscardSink{}
	}
	e := &HTTPEngine{client: client, sink: sink}
	for _, code := range lang.Supported() {
		loc := lang.Locale(code)
		e.voices = append(e.voices, Voice{Name: "service-" + loc, Lang: loc})
	}
	e.serialQueue = newSerialQueue(e.render)
	return e
}

func (e *HTTPEngine) Voices() []Voice { return e.voices }

func (e *HTTPEngine) render(ctx context.Context, req SegmentRequest) error {
	buf, err := e.client.Synthesize(ctx, req)
	if err != nil {
		return err
	}
	if err := e.sink.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("play segment: %w", err)
	}
	select {
	case <-time.After(buf.Duration()):
		return nil
	case <-ctx.Done():
		_ = e.sink.Reset()
		return ctx.Err()
	}
}
