// Package handler implements the gateway's HTTP endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-gateway/internal/api/middleware"
	"github.com/user/llm-gateway/internal/models"
	"go.uber.org/zap"
)

// maxBodyBytes bounds inbound request bodies (10 MiB).
const maxBodyBytes = 10 << 20

// Router resolves a request envelope to a response; satisfied by
// *router.Router.
type Router interface {
	Route(ctx context.Context, env *models.RequestEnvelope, requestID string) (*models.ResponseEnvelope, error)
}

// ProxyHandler serves the OpenAI-compatible inference endpoints.
type ProxyHandler struct {
	router  Router
	timeout time.Duration
	logger  *zap.Logger
}

// NewProxyHandler creates a ProxyHandler. timeout bounds each buffered
// request end to end, retries and fallback included; zero disables it.
func NewProxyHandler(router Router, timeout time.Duration, logger *zap.Logger) *ProxyHandler {
	return &ProxyHandler{router: router, timeout: timeout, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
	h.handle(c, models.OpChatCompletion)
}

// Completions handles POST /v1/completions.
func (h *ProxyHandler) Completions(c *gin.Context) {
	h.handle(c, models.OpTextCompletion)
}

// Embeddings handles POST /v1/embeddings.
func (h *ProxyHandler) Embeddings(c *gin.Context) {
	h.handle(c, models.OpEmbeddings)
}

// ImageGenerations handles POST /v1/images/generations.
func (h *ProxyHandler) ImageGenerations(c *gin.Context) {
	h.handle(c, models.OpImageGeneration)
}

func (h *ProxyHandler) handle(c *gin.Context, op models.Operation) {
	requestID := middleware.GetRequestID(c)

	body, err := readBody(c)
	if err != nil {
		writeError(c, models.NewGatewayError(models.CodeClientError, requestID,
			"invalid request body: %v", err))
		return
	}

	model, _ := body["model"].(string)
	if model == "" {
		writeError(c, models.NewGatewayError(models.CodeClientError, requestID,
			"model is required"))
		return
	}
	stream, _ := body["stream"].(bool)
	if stream && (op == models.OpEmbeddings || op == models.OpImageGeneration) {
		writeError(c, models.NewGatewayError(models.CodeClientError, requestID,
			"%s does not support streaming", op))
		return
	}

	env := &models.RequestEnvelope{
		Operation: op,
		Model:     model,
		Stream:    stream,
		Body:      body,
	}

	// Streams run as long as the upstream produces; buffered requests
	// get a hard deadline so exhaustive retry walks surface as Timeout
	// instead of a cut connection.
	ctx := c.Request.Context()
	if !stream && h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	resp, err := h.router.Route(ctx, env, requestID)
	if err != nil {
		var ge *models.GatewayError
		if !errors.As(err, &ge) {
			ge = models.NewGatewayError(models.CodeInternal, requestID, "%v", err)
		}
		writeError(c, ge)
		return
	}

	if resp.Streaming() {
		h.writeStream(c, resp)
		return
	}
	h.writeBuffered(c, resp)
}

func readBody(c *gin.Context) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeBuffered returns the upstream body with provenance injected as
// a _proxy_info field. A body that isn't a JSON object passes through
// untouched.
func (h *ProxyHandler) writeBuffered(c *gin.Context, resp *models.ResponseEnvelope) {
	var obj map[string]any
	if err := json.Unmarshal(resp.Body, &obj); err != nil {
		c.Data(http.StatusOK, "application/json", resp.Body)
		return
	}
	obj["_proxy_info"] = resp.Provenance
	c.JSON(http.StatusOK, obj)
}

// writeStream copies upstream event-stream lines to the client in
// order, flushing after each chunk. A mid-stream upstream failure
// terminates the stream; it is never re-routed.
func (h *ProxyHandler) writeStream(c *gin.Context, resp *models.ResponseEnvelope) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	for chunk := range resp.Chunks {
		if chunk.Err != nil {
			h.logger.Warn("stream terminated early",
				zap.String("upstream", resp.Provenance.Upstream),
				zap.String("request_id", resp.Provenance.RequestID),
				zap.Error(chunk.Err))
			return
		}
		if len(chunk.Data) == 0 {
			continue
		}
		if _, err := c.Writer.Write(chunk.Data); err != nil {
			// Client went away; drain is handled by the chunk reader's
			// context cancellation.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeError renders a GatewayError in the wire error shape.
func writeError(c *gin.Context, ge *models.GatewayError) {
	c.JSON(ge.HTTPStatus(), models.NewErrorBody(ge))
}
