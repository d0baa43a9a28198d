package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Knarf49/leganizebackend/internal/metrics"
)

const analyzerInstruction = "กรุณาวิเคราะห์ความเสี่ยงทางกฎหมายจากการประชุมนี้: "

// Analyzer runs the expensive structured analysis on a LangGraph server.
// Each room's analyzer conversation lives in its own thread so successive
// windows share context.
type Analyzer struct {
	baseURL string
	client  *http.Client
}

func NewAnalyzer(baseURL string, timeout time.Duration) *Analyzer {
	return &Analyzer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type runRequest struct {
	AssistantID string         `json:"assistant_id"`
	Checkpoint  map[string]any `json:"checkpoint,omitempty"`
	Input       map[string]any `json:"input"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

type runMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Analyze sends the window to the room's analyzer thread. Transport errors,
// a reply without a messages array and a run without any AI message are
// returned as errors; a reply that is present but not valid findings JSON
// comes back as Malformed.
func (a *Analyzer) Analyze(ctx context.Context, roomID, threadID string, window []string) (AnalysisResult, error) {
	defer metrics.ObserveLLM("analyzer", time.Now())

	endpoint := fmt.Sprintf("%s/threads/%s/runs/wait", a.baseURL, url.PathEscape(threadID))
	req := runRequest{
		AssistantID: roomID,
		Checkpoint:  map[string]any{"thread_id": threadID},
		Input: map[string]any{
			"messages": []chatMessage{
				{Role: "user", Content: analyzerInstruction + strings.Join(window, " ")},
			},
		},
	}

	var resp struct {
		Messages *[]runMessage `json:"messages"`
	}
	if err := postJSON(ctx, a.client, endpoint, nil, req, &resp); err != nil {
		return nil, fmt.Errorf("legal analyze failed: %w", err)
	}
	if resp.Messages == nil {
		return nil, fmt.Errorf("legal analyze failed: response has no messages array")
	}

	var last *runMessage
	for i := range *resp.Messages {
		if (*resp.Messages)[i].Type == "ai" {
			last = &(*resp.Messages)[i]
		}
	}
	if last == nil {
		return nil, ErrNoAIMessage
	}
	return ParseAnalysis(messageText(last.Content)), nil
}
