package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const deepgramListenEndpoint = "https://api.deepgram.com/v1/listen"

// DeepgramClient calls Deepgram's pre-recorded /v1/listen API with the raw
// audio bytes as the request body.
type DeepgramClient struct {
	apiKey   string
	model    string // nova-3 has no Thai support; nova-2 does
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []deepgramUtterance `json:"utterances"`
	} `json:"results"`
}

type deepgramUtterance struct {
	Transcript string  `json:"transcript"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    int     `json:"speaker"`
}

func NewDeepgramClient(apiKey, model string, timeout time.Duration) *DeepgramClient {
	return &DeepgramClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: deepgramListenEndpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

func (dg *DeepgramClient) Name() string  { return "deepgram" }
func (dg *DeepgramClient) Model() string { return dg.model }

// Transcribe posts the chunk and maps utterances to segments.
func (dg *DeepgramClient) Transcribe(ctx context.Context, audio Audio, opts Options) (*Response, error) {
	q := url.Values{}
	q.Set("model", dg.model)
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("utterances", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dg.endpoint+"?"+q.Encode(), bytes.NewReader(audio.Data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	contentType := audio.MimeType
	if contentType == "" {
		contentType = "audio/webm"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Token "+dg.apiKey)

	resp, err := dg.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result deepgramResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return nil, fmt.Errorf("deepgram returned no transcription results")
	}

	ch := result.Results.Channels[0]
	out := &Response{
		Text:     strings.TrimSpace(ch.Alternatives[0].Transcript),
		Language: ch.DetectedLanguage,
		Duration: result.Metadata.Duration,
	}
	if out.Language == "" {
		out.Language = opts.Language
	}
	for _, u := range result.Results.Utterances {
		out.Segments = append(out.Segments, Segment{
			Text:  strings.TrimSpace(u.Transcript),
			Start: u.Start,
			End:   u.End,
		})
	}
	return out, nil
}
