package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/finsight/finsight/engine/internal/monitor"
	"github.com/finsight/finsight/engine/pkg/models"
)

// StreamChunk is one text delta from a streaming completion.
type StreamChunk struct {
	Content string
}

// CompletionStream is a lazy, single-pass, forward-only sequence of text
// deltas. It is not restartable; the consumer cancels by calling Close
// (or simply ceasing to pull and closing).
//
// Providers report token usage only at stream end, so the llm_calls record
// is written when the stream finishes or is closed, not per chunk.
type CompletionStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
	pricing models.TierPricing
	stage   *monitor.Stage
	start   time.Time

	mu       sync.Mutex
	usage    wireUsage
	recorded bool
}

// Stream starts a streaming completion. The request is sent immediately;
// chunks are only read from the wire as the consumer pulls them.
func (c *Client) Stream(ctx context.Context, req CompletionRequest, stage *monitor.Stage) (*CompletionStream, error) {
	body := c.buildRequest(req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Retryable: true, Message: fmt.Sprintf("request failed: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	return &CompletionStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		model:   body.Model,
		pricing: c.pricing(req.Tier),
		stage:   stage,
		start:   start,
	}, nil
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// Recv returns the next text delta. io.EOF signals a normally finished
// stream; the call record is written before EOF is returned.
func (s *CompletionStream) Recv() (StreamChunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.finalize()
			return StreamChunk{}, io.EOF
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// A malformed frame poisons the rest of the stream.
			s.finalize()
			return StreamChunk{}, &ProviderError{Message: fmt.Sprintf("decode stream event: %v", err)}
		}
		if ev.Usage != nil {
			s.mu.Lock()
			s.usage = *ev.Usage
			s.mu.Unlock()
		}
		if len(ev.Choices) > 0 && ev.Choices[0].Delta.Content != "" {
			return StreamChunk{Content: ev.Choices[0].Delta.Content}, nil
		}
	}

	s.finalize()
	if err := s.scanner.Err(); err != nil {
		if err == context.Canceled || strings.Contains(err.Error(), "context canceled") {
			return StreamChunk{}, err
		}
		return StreamChunk{}, &ProviderError{Retryable: true, Message: fmt.Sprintf("stream interrupted: %v", err)}
	}
	return StreamChunk{}, io.EOF
}

// Close tears down the underlying network stream. Safe to call at any
// point; an early close still records whatever usage was reported.
func (s *CompletionStream) Close() error {
	s.finalize()
	return s.body.Close()
}

// finalize records the single llm_calls entry for the stream. Token counts
// are whatever the provider reported by the time the stream ended, zero
// when the consumer cancelled before the usage frame arrived.
func (s *CompletionStream) finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded {
		return
	}
	s.recorded = true

	if s.stage == nil {
		return
	}
	cost := s.pricing.Cost(s.usage.PromptTokens, s.usage.CompletionTokens)
	s.stage.RecordCall(s.model, s.usage.TotalTokens, cost, time.Since(s.start))
}
