package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/user/llm-gateway/internal/models"
)

// classifyTransport maps a transport-level error (no HTTP response) to
// an error class: timeouts stay timeouts, everything connection-shaped
// becomes Connection.
func classifyTransport(name string, err error) *models.UpstreamError {
	class := models.ClassUnknown

	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = models.ClassTimeout
	case errors.As(err, &ne) && ne.Timeout():
		class = models.ClassTimeout
	default:
		var ue *url.Error
		var oe *net.OpError
		var de *net.DNSError
		if errors.As(err, &ue) || errors.As(err, &oe) || errors.As(err, &de) ||
			errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			class = models.ClassConnection
		}
	}

	return &models.UpstreamError{
		Upstream: name,
		Class:    class,
		Message:  err.Error(),
	}
}

// classifyStatus maps an HTTP error response to an error class,
// letting a structured error object in the body refine it.
func classifyStatus(name string, resp *http.Response, body []byte) *models.UpstreamError {
	ue := &models.UpstreamError{
		Upstream:   name,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		ue.Class = models.ClassAuthentication
	case resp.StatusCode == http.StatusForbidden:
		ue.Class = models.ClassAuthorization
	case resp.StatusCode == http.StatusTooManyRequests:
		ue.Class = models.ClassRateLimited
		ue.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		ue.Class = models.ClassServerError
	case resp.StatusCode >= 400:
		ue.Class = models.ClassClientError
	default:
		ue.Class = models.ClassUnknown
	}

	if msg, typ := parseErrorBody(body); msg != "" || typ != "" {
		if msg != "" {
			ue.Message = msg
		}
		refineByType(ue, typ)
	}
	return ue
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// parseErrorBody extracts the message and type from a structured
// vendor error object, tolerating both the flat OpenAI shape and
// Anthropic's nested one.
func parseErrorBody(body []byte) (message, errType string) {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return "", ""
	}
	return wrapper.Error.Message, wrapper.Error.Type
}

// refineByType lets a declared vendor error type override the
// status-derived class.
func refineByType(ue *models.UpstreamError, typ string) {
	switch typ {
	case "invalid_request_error", "invalid_request":
		if ue.Class == models.ClassServerError || ue.Class == models.ClassUnknown {
			ue.Class = models.ClassClientError
		}
	case "authentication_error":
		ue.Class = models.ClassAuthentication
	case "permission_error":
		ue.Class = models.ClassAuthorization
	case "rate_limit_error":
		ue.Class = models.ClassRateLimited
	case "overloaded_error":
		ue.Class = models.ClassServerError
	}
}
