package risk

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Knarf49/leganizebackend/internal/metrics"
)

const detectorSystemPrompt = `
Role:
คุณคือผู้เชี่ยวชาญด้านกฎหมายบริษัทในประเทศไทย (Corporate Legal Compliance)

หน้าที่ของคุณคือตรวจสอบสถานการณ์การประชุมที่ได้รับ
และวิเคราะห์ว่ามีการกระทำที่ฝ่าฝืนกฎหมายหรือไม่

Evaluation Logic:
- หากสถานการณ์ "ฝ่าฝืน" ข้อใดข้อหนึ่ง ให้ตอบ "YES"
- หากสถานการณ์ "ถูกต้อง" ตามเกณฑ์ทั้งหมด ให้ตอบ "NO"
- ตอบเพียงคำเดียวเท่านั้น: YES หรือ NO
`

const detectorTaskPrompt = `
Task:
วิเคราะห์สถานการณ์ต่อไปนี้ตามเกณฑ์กฎหมาย:

1. ประเภทบริษัท:
%s

2. องค์ประชุม (Quorum):
- บริษัทจำกัด: อย่างน้อย 2 คน และถือหุ้น ≥ 1/4 ของทุน (มาตรา 1178)
- บริษัทมหาชน: อย่างน้อย 25 คน (หรือกึ่งหนึ่ง) และถือหุ้น ≥ 1/3 (มาตรา 103)

3. การลงมติ (Voting):
- มติปกติ: เสียงข้างมาก
- มติพิเศษ/เรื่องสำคัญ: ≥ 3/4 ของผู้มาประชุม (มาตรา 1194, 107(2))
- ถอดถอนกรรมการมหาชน: 3/4 ของคน + ≥ 1/2 ของหุ้น (มาตรา 76)

4. ส่วนได้เสีย (Conflict of Interest):
- ผู้มีส่วนได้เสียห้ามออกเสียง (มาตรา 1185, มาตรา 33 วรรคสอง)

5. วาระการประชุม (Agenda):
- ต้องระบุในหนังสือนัดประชุม
- ห้ามเพิ่มวาระใหม่ในการประชุมที่เลื่อนมา (มาตรา 1175, 1181)

สถานการณ์:
"""
%s
"""
`

// Detector is the cheap binary classifier run over a full window. It calls
// an OpenAI-compatible chat completions endpoint and expects YES or NO.
type Detector struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

func NewDetector(url, model, apiKey string, timeout time.Duration) *Detector {
	return &Detector{
		url:    url,
		model:  model,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Detect reports whether the window likely contains a legal violation.
// Callers treat an error as "no risk".
func (d *Detector) Detect(ctx context.Context, window []string, companyType string) (bool, error) {
	defer metrics.ObserveLLM("detector", time.Now())

	req := chatRequest{
		Model:       d.model,
		Temperature: 0,
		Messages: []chatMessage{
			{Role: "system", Content: detectorSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(detectorTaskPrompt, CompanyLabel(companyType), strings.Join(window, "\n"))},
		},
	}
	header := http.Header{}
	if d.apiKey != "" {
		header.Set("Authorization", "Bearer "+d.apiKey)
	}

	var resp chatResponse
	if err := postJSON(ctx, d.client, d.url, header, req, &resp); err != nil {
		return false, fmt.Errorf("risk detector: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("risk detector: no choices in response")
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	return strings.Contains(answer, "YES"), nil
}
