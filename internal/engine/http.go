package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/lecternlabs/lectern-core/internal/audio"
	"github.com/lecternlabs/lectern-core/internal/config"
)

// httpSynth talks to a Chatterbox-style synthesis server: POST /generate
// with the text and voice parameters, WAV bytes back.
type httpSynth struct {
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	probed  bool
	healthy bool
}

type httpGenerateRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Exag  float64 `json:"exag"`
	CFG   float64 `json:"cfg"`
	Temp  float64 `json:"temp"`
}

func NewHTTPSynthesizer(cfg config.SpeechConfig) Synthesizer {
	return &httpSynth{
		endpoint: cfg.Endpoint,
		client:   http.DefaultClient,
	}
}

// available probes the server root once per process; any response at all
// counts, a connection failure does not.
func (h *httpSynth) available(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.probed {
		return h.healthy
	}
	h.probed = true

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	h.healthy = true
	return true
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	if !h.available(ctx) {
		return SynthResult{}, fmt.Errorf("%w: no synthesis server at %s", ErrUnavailable, h.endpoint)
	}

	payload := httpGenerateRequest{
		Text:  req.Text,
		Voice: req.VoiceSample,
		Exag:  req.Exaggeration,
		CFG:   req.CFGWeight,
		Temp:  req.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SynthResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return SynthResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return SynthResult{}, newError(CodeEngineError, "synthesis request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SynthResult{}, newError(CodeEngineError, "synthesis server returned %s: %s", resp.Status, detail)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return SynthResult{}, newError(CodeEngineError, "read synthesis response: %v", err)
	}
	if _, err := audio.Info(data); err != nil {
		return SynthResult{}, newError(CodeEngineError, "synthesis response is not WAV audio: %v", err)
	}
	duration, err := audio.Duration(data)
	if err != nil {
		return SynthResult{}, newError(CodeEngineError, "measure synthesized audio: %v", err)
	}
	return SynthResult{Audio: data, Duration: duration}, nil
}
