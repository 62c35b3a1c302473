// Package analysis implements the core.Analyzer contract over HTTP: the
// inference service is remote, possibly slow, possibly failing. Callers
// bound every request with a context deadline.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kinetra/telemotion/internal/domain"
)

type HTTPAnalyzer struct {
	url    string
	client *http.Client
}

func NewHTTPAnalyzer(url string) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		url:    url,
		client: &http.Client{},
	}
}

type analyzeResponse struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, frame domain.PoseFrame) (domain.AnalysisResult, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("%w: encode frame: %v", domain.ErrAnalysisFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("%w: %v", domain.ErrAnalysisFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AnalysisResult{}, ctx.Err()
		}
		return domain.AnalysisResult{}, fmt.Errorf("%w: %v", domain.ErrAnalysisFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.AnalysisResult{}, fmt.Errorf("%w: inference service returned %d", domain.ErrAnalysisFailure, resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("%w: decode response: %v", domain.ErrAnalysisFailure, err)
	}

	return domain.AnalysisResult{
		SessionID:  frame.SessionID,
		FrameSeq:   frame.Seq,
		Score:      out.Score,
		Feedback:   out.Feedback,
		ComputedAt: time.Now().UTC(),
	}, nil
}
