// Package upstream issues wire calls to LLM providers. One connection
// pool exists per upstream, shared by all requests and long-lived;
// failures surface as typed errors classified for the retry layer.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/user/llm-gateway/internal/models"
	"go.uber.org/zap"
)

// doneSentinel terminates an OpenAI-style event stream.
const doneSentinel = "[DONE]"

// streamBuffer is the chunk channel depth; it absorbs short bursts
// without letting a slow client stall the upstream read indefinitely.
const streamBuffer = 100

// Recorder receives per-attempt metrics.
type Recorder interface {
	RecordAttempt(upstream string, success bool, errorClass string, dur time.Duration)
	RecordTokens(upstream string, total int)
}

// Result is a successful call outcome: a buffered body or a live chunk
// stream, never both.
type Result struct {
	Body   []byte
	Chunks <-chan models.StreamChunk
	Usage  models.Usage
}

// pool holds the two HTTP clients for one upstream: a deadline-bounded
// one for buffered calls and an unbounded one for streams (stream
// lifetime is governed by the request context instead).
type pool struct {
	buffered *http.Client
	stream   *http.Client
}

// Client issues calls to upstream providers.
type Client struct {
	logger  *zap.Logger
	metrics Recorder

	mu    sync.Mutex
	pools map[string]*pool
}

// NewClient creates a Client. metrics may be nil.
func NewClient(metrics Recorder, logger *zap.Logger) *Client {
	return &Client{
		logger:  logger,
		metrics: metrics,
		pools:   make(map[string]*pool),
	}
}

// poolFor returns the long-lived pool for an upstream, creating it on
// first use.
func (c *Client) poolFor(up *models.UpstreamConfig) *pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[up.Name]; ok {
		return p
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	p := &pool{
		buffered: &http.Client{Timeout: up.Timeout, Transport: transport},
		stream:   &http.Client{Timeout: 0, Transport: transport},
	}
	c.pools[up.Name] = p
	return p
}

// Close shuts down all connection pools.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		if t, ok := p.buffered.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	c.pools = make(map[string]*pool)
}

// Call performs one wire call to the upstream. Streaming envelopes get
// a Result whose Chunks channel yields raw event-stream lines in order;
// buffered envelopes get the upstream body unchanged.
func (c *Client) Call(ctx context.Context, up *models.UpstreamConfig, env *models.RequestEnvelope) (*Result, error) {
	start := time.Now()
	res, err := c.call(ctx, up, env)
	elapsed := time.Since(start)

	if c.metrics != nil {
		class := ""
		if err != nil {
			cls, _ := classOf(err)
			class = string(cls)
		}
		c.metrics.RecordAttempt(up.Name, err == nil, class, elapsed)
		if err == nil && res.Usage.TotalTokens > 0 {
			c.metrics.RecordTokens(up.Name, res.Usage.TotalTokens)
		}
	}
	return res, err
}

func classOf(err error) (models.ErrorClass, bool) {
	var ue *models.UpstreamError
	if errors.As(err, &ue) {
		return ue.Class, true
	}
	return models.ClassUnknown, false
}

func (c *Client) call(ctx context.Context, up *models.UpstreamConfig, env *models.RequestEnvelope) (*Result, error) {
	path, err := wirePath(up, env.Operation)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(wireBody(env))
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildURL(up.BaseURL, path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if err := setAuthHeaders(req.Header, up); err != nil {
		return nil, err
	}

	p := c.poolFor(up)
	client := p.buffered
	if env.Stream {
		client = p.stream
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(up.Name, err)
	}

	if resp.StatusCode >= 400 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			body = nil
		}
		return nil, classifyStatus(up.Name, resp, body)
	}

	if env.Stream {
		chunks := make(chan models.StreamChunk, streamBuffer)
		go c.readEventStream(ctx, up.Name, resp, chunks)
		return &Result{Chunks: chunks}, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, classifyTransport(up.Name, err)
	}

	var parsed struct {
		Usage models.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &models.UpstreamError{
			Upstream: up.Name,
			Class:    models.ClassMalformed,
			Message:  "non-JSON response where JSON expected",
		}
	}

	return &Result{Body: body, Usage: parsed.Usage}, nil
}

// readEventStream forwards raw SSE lines to the chunk channel in order
// until the done sentinel, EOF, or context cancellation. The channel is
// always closed; a mid-stream failure is delivered as a final Err chunk.
// Every send yields to cancellation so an abandoned consumer never
// strands this goroutine behind a full channel.
func (c *Client) readEventStream(ctx context.Context, name string, resp *http.Response, chunks chan<- models.StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	send := func(chunk models.StreamChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(resp.Body)
	var totalTokens int

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if !send(models.StreamChunk{Data: line}) {
				return
			}
			totalTokens = maxTokens(totalTokens, parseStreamUsage(line))
			if isDoneSentinel(line) {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() == nil {
				c.logger.Warn("error reading upstream stream",
					zap.String("upstream", name), zap.Error(err))
			}
			send(models.StreamChunk{Err: err, Done: true})
			return
		}
	}

	if c.metrics != nil {
		c.metrics.RecordTokens(name, totalTokens)
	}
	send(models.StreamChunk{Done: true})
}

func isDoneSentinel(line []byte) bool {
	s := strings.TrimSpace(string(line))
	return strings.TrimSpace(strings.TrimPrefix(s, "data:")) == doneSentinel && strings.HasPrefix(s, "data:")
}

// parseStreamUsage extracts total token usage from an SSE data line;
// returns 0 when the line carries none.
func parseStreamUsage(line []byte) int {
	s := strings.TrimSpace(string(line))
	if !strings.HasPrefix(s, "data:") {
		return 0
	}
	data := strings.TrimSpace(strings.TrimPrefix(s, "data:"))
	if data == "" || data == doneSentinel {
		return 0
	}
	var event struct {
		Usage *models.Usage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil || event.Usage == nil {
		return 0
	}
	if event.Usage.TotalTokens > 0 {
		return event.Usage.TotalTokens
	}
	return event.Usage.PromptTokens + event.Usage.CompletionTokens
}

func maxTokens(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Probe checks the upstream's model discovery endpoint and reports
// whether the upstream looks able to serve traffic.
func (c *Client) Probe(ctx context.Context, up *models.UpstreamConfig) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL(up.BaseURL, discoveryPath(up.Kind)), nil)
	if err != nil {
		return false, err.Error()
	}
	if err := setAuthHeaders(req.Header, up); err != nil {
		return false, "credential not configured"
	}

	resp, err := c.poolFor(up).buffered.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 400 {
		return true, ""
	}
	return false, fmt.Sprintf("probe returned status %d", resp.StatusCode)
}

// ListModels queries the upstream's model discovery endpoint, for the
// aggregated /v1/models surface. Upstreams without the capability
// return their configured model list instead.
func (c *Client) ListModels(ctx context.Context, up *models.UpstreamConfig) ([]string, error) {
	if !up.HasCapability(models.CapModelDiscovery) {
		return append([]string(nil), up.Models...), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL(up.BaseURL, discoveryPath(up.Kind)), nil)
	if err != nil {
		return nil, fmt.Errorf("create discovery request: %w", err)
	}
	if err := setAuthHeaders(req.Header, up); err != nil {
		return nil, err
	}

	resp, err := c.poolFor(up).buffered.Do(req)
	if err != nil {
		return nil, classifyTransport(up.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode >= 400 {
		return append([]string(nil), up.Models...), nil
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Data) == 0 {
		return append([]string(nil), up.Models...), nil
	}
	out := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
