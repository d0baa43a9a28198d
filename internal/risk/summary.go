package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Knarf49/leganizebackend/internal/metrics"
)

// ErrEmptySummary is returned when the summary service answered without a summary.
var ErrEmptySummary = errors.New("summary generator returned no summary")

// Summarizer asks a LangGraph assistant for the end-of-meeting summary and
// waits for the run to finish.
type Summarizer struct {
	baseURL     string
	assistantID string
	webhookURL  string
	client      *http.Client
}

// NewSummarizer creates a summary client. webhookURL, if set, is passed to
// the run so the server also posts its result back asynchronously.
func NewSummarizer(baseURL, assistantID, webhookURL string, timeout time.Duration) *Summarizer {
	return &Summarizer{
		baseURL:     strings.TrimRight(baseURL, "/"),
		assistantID: assistantID,
		webhookURL:  webhookURL,
		client:      &http.Client{Timeout: timeout},
	}
}

// Summarize returns the summary of a full meeting transcript.
func (s *Summarizer) Summarize(ctx context.Context, roomID, transcript string) (string, error) {
	defer metrics.ObserveLLM("summary", time.Now())

	req := struct {
		runRequest
		Webhook string `json:"webhook,omitempty"`
	}{
		runRequest: runRequest{
			AssistantID: s.assistantID,
			Input: map[string]any{
				"transcript": transcript,
				"roomId":     roomID,
			},
			Metadata: map[string]any{"roomId": roomID},
			Config:   map[string]any{"tags": []string{"summary"}},
		},
		Webhook: s.webhookURL,
	}

	var resp map[string]any
	if err := postJSON(ctx, s.client, s.baseURL+"/runs/wait", nil, req, &resp); err != nil {
		return "", fmt.Errorf("summary request: %w", err)
	}
	summary := ExtractSummary(resp)
	if summary == "" {
		return "", ErrEmptySummary
	}
	return summary, nil
}

// ExtractSummary finds the summary text in a run result or webhook body.
// Checked in order: output.summary, output as a string, result.summary,
// data.summary, summary, then the last AI message.
func ExtractSummary(body map[string]any) string {
	if s := str(dig(body, "output", "summary")); s != "" {
		return s
	}
	if s := str(body["output"]); s != "" {
		return s
	}
	for _, path := range [][]string{{"result", "summary"}, {"data", "summary"}, {"summary"}, {"values", "summary"}} {
		if s := str(dig(body, path...)); s != "" {
			return s
		}
	}
	if msgs, ok := body["messages"].([]any); ok {
		for i := len(msgs) - 1; i >= 0; i-- {
			m, ok := msgs[i].(map[string]any)
			if !ok || m["type"] != "ai" {
				continue
			}
			raw, _ := json.Marshal(m["content"])
			return strings.TrimSpace(messageText(raw))
		}
	}
	return ""
}

// ExtractRoomID finds the room a webhook body refers to: metadata.roomId,
// roomId or output.roomId.
func ExtractRoomID(body map[string]any) string {
	for _, path := range [][]string{{"metadata", "roomId"}, {"roomId"}, {"output", "roomId"}} {
		if s := str(dig(body, path...)); s != "" {
			return s
		}
	}
	return ""
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
