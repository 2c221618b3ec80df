// Package models defines the domain types shared across the gateway:
// operations, capabilities, upstream configuration, request/response
// envelopes and the error taxonomy used for routing decisions.
package models

import (
	"time"
)

// Operation identifies an inbound API operation.
type Operation string

const (
	OpChatCompletion  Operation = "chat_completion"
	OpTextCompletion  Operation = "text_completion"
	OpEmbeddings      Operation = "embeddings"
	OpImageGeneration Operation = "image_generation"
)

// Capability is a tag declaring which operations an upstream supports.
type Capability string

const (
	CapChatCompletion  Capability = "chat_completion"
	CapTextCompletion  Capability = "text_completion"
	CapEmbeddings      Capability = "embeddings"
	CapStreaming       Capability = "streaming"
	CapModelDiscovery  Capability = "model_discovery"
	CapImageGeneration Capability = "image_generation"
	CapVideoGeneration Capability = "video_generation"
	CapToolCalling     Capability = "tool_calling"
)

// CapabilityOf maps an operation to the capability an upstream must
// advertise to serve it.
func CapabilityOf(op Operation) Capability {
	switch op {
	case OpChatCompletion:
		return CapChatCompletion
	case OpTextCompletion:
		return CapTextCompletion
	case OpEmbeddings:
		return CapEmbeddings
	case OpImageGeneration:
		return CapImageGeneration
	default:
		return Capability(op)
	}
}

// UpstreamKind is the closed set of known vendor wire formats.
type UpstreamKind string

const (
	KindOpenAI    UpstreamKind = "openai"
	KindAnthropic UpstreamKind = "anthropic"
	KindGemini    UpstreamKind = "gemini"
	KindOllama    UpstreamKind = "ollama"
)

// KnownKinds lists every supported upstream kind.
var KnownKinds = []UpstreamKind{KindOpenAI, KindAnthropic, KindGemini, KindOllama}

// UpstreamConfig describes one configured upstream provider.
// Immutable after config load.
type UpstreamConfig struct {
	Name             string
	Kind             UpstreamKind
	BaseURL          string
	CredentialSource string // name of the environment variable holding the API key
	Models           []string
	Priority         int // lower = preferred
	Enabled          bool
	Forced           bool
	Timeout          time.Duration
	MaxRetries       int
	Capabilities     []Capability
	RetryStrategy    string // "exponential", "immediate", "adaptive"; empty = exponential
	Retry            *RetryOverride
}

// RetryOverride is a partial retry parameter set scoped to one upstream.
// Nil fields inherit the global defaults.
type RetryOverride struct {
	MaxAttempts   *int
	BaseDelay     *time.Duration
	MaxDelay      *time.Duration
	BackoffFactor *float64
	JitterFactor  *float64
}

// HasModel reports whether the upstream serves the given model.
func (u *UpstreamConfig) HasModel(model string) bool {
	for _, m := range u.Models {
		if m == model {
			return true
		}
	}
	return false
}

// HasCapability reports whether the upstream advertises the capability.
func (u *UpstreamConfig) HasCapability(c Capability) bool {
	for _, have := range u.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// UpstreamStatus is the registry's health classification of an upstream.
type UpstreamStatus string

const (
	StatusHealthy   UpstreamStatus = "healthy"
	StatusDegraded  UpstreamStatus = "degraded"
	StatusUnhealthy UpstreamStatus = "unhealthy"
	StatusDisabled  UpstreamStatus = "disabled"
)

// ErrorClass classifies a failed upstream attempt. The class drives every
// routing decision: retry eligibility, breaker reporting and fallback.
type ErrorClass string

const (
	ClassRateLimited    ErrorClass = "rate_limited"
	ClassTimeout        ErrorClass = "timeout"
	ClassConnection     ErrorClass = "connection"
	ClassServerError    ErrorClass = "server_error"
	ClassAuthentication ErrorClass = "authentication"
	ClassAuthorization  ErrorClass = "authorization"
	ClassClientError    ErrorClass = "client_error"
	ClassNotSupported   ErrorClass = "not_supported"
	ClassMalformed      ErrorClass = "malformed"
	ClassUnknown        ErrorClass = "unknown"

	// ClassBreakerOpen marks attempts skipped because the circuit
	// breaker rejected entry. It never reaches a retry strategy.
	ClassBreakerOpen ErrorClass = "breaker_open"
)

// Retryable reports whether the class is ever worth retrying against the
// same upstream. Strategies apply further attempt-count limits on top.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassTimeout, ClassConnection, ClassServerError, ClassUnknown:
		return true
	default:
		return false
	}
}

// RequestFault reports whether the class indicates the inbound request
// itself is bad rather than the upstream. These short-circuit the
// fallback loop and surface directly as 4xx.
func (c ErrorClass) RequestFault() bool {
	switch c {
	case ClassAuthentication, ClassAuthorization, ClassClientError:
		return true
	default:
		return false
	}
}

// RequestEnvelope is what the router receives from the HTTP layer: the
// operation, the requested model and the opaque body to forward.
type RequestEnvelope struct {
	Operation Operation
	Model     string
	Stream    bool
	Body      map[string]any
}

// Provenance identifies which upstream and attempt produced a response.
type Provenance struct {
	Upstream  string        `json:"upstream"`
	Attempt   int           `json:"attempt"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMs float64       `json:"elapsed_ms"`
	RequestID string        `json:"request_id"`
	Cached    bool          `json:"cached,omitempty"`
}

// StreamChunk is one raw line of an upstream event stream, passed through
// to the client unchanged and in order.
type StreamChunk struct {
	Data []byte
	Err  error
	Done bool
}

// ResponseEnvelope is either a buffered body or a live chunk stream,
// plus provenance. Exactly one of Body and Chunks is set.
type ResponseEnvelope struct {
	Body       []byte
	Chunks     <-chan StreamChunk
	Provenance Provenance
}

// Streaming reports whether the envelope carries a live stream.
func (r *ResponseEnvelope) Streaming() bool {
	return r.Chunks != nil
}

// Attempt records one wire call (or breaker rejection) made while
// routing a single request.
type Attempt struct {
	Upstream  string        `json:"name"`
	Index     int           `json:"attempt"`
	StartedAt time.Time     `json:"-"`
	Elapsed   time.Duration `json:"-"`
	Success   bool          `json:"-"`
	Class     ErrorClass    `json:"error_class,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Usage carries token accounting reported by an upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
