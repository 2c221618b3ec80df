package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-gateway/internal/models"
	"go.uber.org/zap"
)

type routerStub struct {
	resp *models.ResponseEnvelope
	err  error
	env  *models.RequestEnvelope
	ctx  context.Context
}

func (r *routerStub) Route(ctx context.Context, env *models.RequestEnvelope, requestID string) (*models.ResponseEnvelope, error) {
	r.ctx = ctx
	r.env = env
	if r.resp != nil {
		r.resp.Provenance.RequestID = requestID
	}
	return r.resp, r.err
}

func newProxyRig(stub *routerStub) *gin.Engine {
	return newProxyRigTimeout(stub, 0)
}

func newProxyRigTimeout(stub *routerStub, timeout time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewProxyHandler(stub, timeout, zap.NewNop())
	r := gin.New()
	r.POST("/v1/chat/completions", h.ChatCompletions)
	r.POST("/v1/completions", h.Completions)
	r.POST("/v1/embeddings", h.Embeddings)
	r.POST("/v1/images/generations", h.ImageGenerations)
	return r
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProxy_BufferedResponseCarriesProvenance(t *testing.T) {
	stub := &routerStub{resp: &models.ResponseEnvelope{
		Body:       []byte(`{"id":"chatcmpl-1","choices":[]}`),
		Provenance: models.Provenance{Upstream: "openai", Attempt: 1},
	}}
	r := newProxyRig(stub)

	w := postJSON(r, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "chatcmpl-1", body["id"])

	info, ok := body["_proxy_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "openai", info["upstream"])
	assert.Equal(t, float64(1), info["attempt"])

	require.NotNil(t, stub.env)
	assert.Equal(t, models.OpChatCompletion, stub.env.Operation)
	assert.Equal(t, "gpt-4o", stub.env.Model)
	assert.False(t, stub.env.Stream)
}

func TestProxy_NonObjectBodyPassesThrough(t *testing.T) {
	stub := &routerStub{resp: &models.ResponseEnvelope{Body: []byte(`[1,2,3]`)}}
	r := newProxyRig(stub)

	w := postJSON(r, "/v1/completions", `{"model":"m","prompt":"x"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[1,2,3]", w.Body.String())
}

func TestProxy_MissingModelRejected(t *testing.T) {
	r := newProxyRig(&routerStub{})

	w := postJSON(r, "/v1/chat/completions", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body models.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.CodeClientError, body.Error.Code)
	assert.Contains(t, body.Error.Message, "model is required")
}

func TestProxy_MalformedJSONRejected(t *testing.T) {
	r := newProxyRig(&routerStub{})

	w := postJSON(r, "/v1/chat/completions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxy_StreamRejectedForEmbeddings(t *testing.T) {
	r := newProxyRig(&routerStub{})

	w := postJSON(r, "/v1/embeddings", `{"model":"m","input":"x","stream":true}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "does not support streaming")

	w = postJSON(r, "/v1/images/generations", `{"model":"m","prompt":"x","stream":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxy_GatewayErrorStatusMapped(t *testing.T) {
	tests := []struct {
		code   models.ErrorCode
		status int
	}{
		{models.CodeModelNotSupported, http.StatusNotFound},
		{models.CodeRateLimited, http.StatusTooManyRequests},
		{models.CodeAllUpstreamsUnavailable, http.StatusServiceUnavailable},
		{models.CodeTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			stub := &routerStub{err: models.NewGatewayError(tt.code, "", "nope")}
			r := newProxyRig(stub)
			w := postJSON(r, "/v1/chat/completions", `{"model":"m"}`)
			assert.Equal(t, tt.status, w.Code)

			var body models.ErrorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestProxy_StreamingResponse(t *testing.T) {
	ch := make(chan models.StreamChunk, 4)
	ch <- models.StreamChunk{Data: []byte("data: {\"a\":1}\n\n")}
	ch <- models.StreamChunk{Data: []byte("data: {\"a\":2}\n\n")}
	ch <- models.StreamChunk{Data: []byte("data: [DONE]\n\n")}
	ch <- models.StreamChunk{Done: true}
	close(ch)

	stub := &routerStub{resp: &models.ResponseEnvelope{
		Chunks:     ch,
		Provenance: models.Provenance{Upstream: "openai"},
	}}
	r := newProxyRig(stub)

	w := postJSON(r, "/v1/chat/completions", `{"model":"m","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	payload := w.Body.String()
	first := strings.Index(payload, `{"a":1}`)
	second := strings.Index(payload, `{"a":2}`)
	require.GreaterOrEqual(t, first, 0)
	assert.Greater(t, second, first)
	assert.Contains(t, payload, "[DONE]")

	require.NotNil(t, stub.env)
	assert.True(t, stub.env.Stream)
}

func TestProxy_BufferedRequestsCarryDeadline(t *testing.T) {
	stub := &routerStub{resp: &models.ResponseEnvelope{Body: []byte(`{}`)}}
	r := newProxyRigTimeout(stub, 30*time.Second)

	postJSON(r, "/v1/chat/completions", `{"model":"m"}`)
	require.NotNil(t, stub.ctx)
	_, ok := stub.ctx.Deadline()
	assert.True(t, ok)
}

func TestProxy_StreamingRequestsHaveNoDeadline(t *testing.T) {
	ch := make(chan models.StreamChunk, 1)
	ch <- models.StreamChunk{Done: true}
	close(ch)
	stub := &routerStub{resp: &models.ResponseEnvelope{Chunks: ch}}
	r := newProxyRigTimeout(stub, 30*time.Second)

	postJSON(r, "/v1/chat/completions", `{"model":"m","stream":true}`)
	require.NotNil(t, stub.ctx)
	_, ok := stub.ctx.Deadline()
	assert.False(t, ok)
}

func TestProxy_StreamTerminatesOnChunkError(t *testing.T) {
	ch := make(chan models.StreamChunk, 3)
	ch <- models.StreamChunk{Data: []byte("data: {\"a\":1}\n\n")}
	ch <- models.StreamChunk{Err: assert.AnError, Done: true}
	close(ch)

	stub := &routerStub{resp: &models.ResponseEnvelope{Chunks: ch}}
	r := newProxyRig(stub)

	w := postJSON(r, "/v1/chat/completions", `{"model":"m","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	// The first chunk was delivered; nothing after the failure.
	assert.Contains(t, w.Body.String(), `{"a":1}`)
	assert.NotContains(t, w.Body.String(), "[DONE]")
}
