package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// sseIdleTimeout bounds how long a single read may block mid-stream. An
// endpoint that sends headers and then goes silent is treated as stalled.
const sseIdleTimeout = 60 * time.Second

// Stream runs one streamed chat completion, emitting text deltas on the
// channel as they arrive and returning the aggregated response. A full
// channel blocks the upstream read, which is the back-pressure contract.
//
// Termination is three-tiered: finish_reason ends the stream immediately
// (some compatible endpoints never send [DONE]), the idle timeout catches
// silently stalled connections, and ctx cancellation force-closes the body
// since Go does not interrupt a blocked Body.Read.
func (p *Provider) Stream(ctx context.Context, req *service.ModelRequest, deltas chan<- service.StreamChunk) (*service.ModelResponse, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	resp, err := p.post(ctx, body, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	return p.readStream(ctx, resp.Body, deltas)
}

func (p *Provider) readStream(ctx context.Context, body io.Reader, deltas chan<- service.StreamChunk) (*service.ModelResponse, error) {
	scanner := bufio.NewScanner(&timedReader{r: body, timeout: sseIdleTimeout})
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	calls := make(map[int]*callAccumulator)
	var maxCallIdx int
	var model string
	var usage entity.Usage
	var finishReason string

scan:
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, mapCtxErr(ctx.Err())
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("Skipping unparseable stream chunk", zap.Error(err))
			continue
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = entity.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			select {
			case deltas <- service.StreamChunk{DeltaText: choice.Delta.Content}:
			case <-ctx.Done():
				return nil, mapCtxErr(ctx.Err())
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &callAccumulator{}
				calls[tc.Index] = acc
				if tc.Index > maxCallIdx {
					maxCallIdx = tc.Index
				}
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}

		if finishReason != "" {
			select {
			case deltas <- service.StreamChunk{FinishReason: finishReason}:
			case <-ctx.Done():
				return nil, mapCtxErr(ctx.Err())
			}
			break scan
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, mapCtxErr(ctx.Err())
		}
		if errors.Is(err, errIdleTimeout) {
			// Partial content still has value; a fully silent stream does not.
			if content.Len() == 0 && len(calls) == 0 {
				return nil, apperrors.New(apperrors.KindTimeout,
					fmt.Sprintf("model stream stalled: no data for %s", sseIdleTimeout))
			}
			p.logger.Warn("Model stream stalled mid-answer, keeping partial content",
				zap.Int("content_len", content.Len()),
			)
		} else {
			return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "model stream read failed", err)
		}
	}

	resp := &service.ModelResponse{
		Content:      content.String(),
		Model:        model,
		Usage:        usage,
		FinishReason: finishReason,
	}
	for i := 0; i <= maxCallIdx; i++ {
		acc, ok := calls[i]
		if !ok {
			continue
		}
		var args map[string]interface{}
		if raw := acc.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				p.logger.Warn("Dropping tool call with unparseable streamed arguments",
					zap.String("tool", acc.name),
					zap.Error(err),
				)
				continue
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, entity.ToolCallRequest{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: args,
		})
	}
	return resp, nil
}

// callAccumulator joins tool-call fragments that arrive across chunks. The
// id and name land on the first fragment for an index; arguments build up
// as JSON text.
type callAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.KindTimeout, "model call deadline exceeded")
	}
	return err
}

// errIdleTimeout marks a read that outlived sseIdleTimeout.
var errIdleTimeout = errors.New("stream read idle timeout")

// timedReader applies a per-Read deadline. A Read blocking past the timeout
// returns errIdleTimeout; the abandoned inner Read exits when the body is
// closed.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-timer.C:
		return 0, errIdleTimeout
	}
}
