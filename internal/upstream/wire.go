package upstream

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/user/llm-gateway/internal/models"
)

// anthropicVersion is the API version header Anthropic requires.
const anthropicVersion = "2023-06-01"

// wirePath returns the vendor path for an operation, or a NotSupported
// error when the vendor's wire format has no equivalent endpoint.
func wirePath(up *models.UpstreamConfig, op models.Operation) (string, error) {
	notSupported := func() error {
		return &models.UpstreamError{
			Upstream: up.Name,
			Class:    models.ClassNotSupported,
			Message:  fmt.Sprintf("%s upstream does not support %s", up.Kind, op),
		}
	}

	switch up.Kind {
	case models.KindAnthropic:
		switch op {
		case models.OpChatCompletion:
			return "/v1/messages", nil
		case models.OpTextCompletion:
			return "/v1/complete", nil
		default:
			return "", notSupported()
		}
	case models.KindGemini:
		switch op {
		case models.OpChatCompletion:
			return "/v1beta/openai/chat/completions", nil
		case models.OpEmbeddings:
			return "/v1beta/openai/embeddings", nil
		default:
			return "", notSupported()
		}
	default: // openai, ollama: OpenAI-compatible surface
		switch op {
		case models.OpChatCompletion:
			return "/v1/chat/completions", nil
		case models.OpTextCompletion:
			return "/v1/completions", nil
		case models.OpEmbeddings:
			return "/v1/embeddings", nil
		case models.OpImageGeneration:
			return "/v1/images/generations", nil
		default:
			return "", notSupported()
		}
	}
}

// discoveryPath is the endpoint the health probe hits.
func discoveryPath(kind models.UpstreamKind) string {
	if kind == models.KindGemini {
		return "/v1beta/openai/models"
	}
	return "/v1/models"
}

// setAuthHeaders injects the upstream credential. Ollama installs
// typically run without one; every other kind requires it.
func setAuthHeaders(h http.Header, up *models.UpstreamConfig) error {
	key := ""
	if up.CredentialSource != "" {
		key = os.Getenv(up.CredentialSource)
	}
	if key == "" {
		if up.Kind == models.KindOllama {
			return nil
		}
		return &models.UpstreamError{
			Upstream: up.Name,
			Class:    models.ClassAuthentication,
			Message:  "upstream credential not configured",
		}
	}

	switch up.Kind {
	case models.KindAnthropic:
		h.Set("x-api-key", key)
		h.Set("anthropic-version", anthropicVersion)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
	return nil
}

// buildURL joins the base URL and path without doubling slashes.
func buildURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// wireBody prepares the outbound body: the envelope body forwarded
// verbatim with the managed keys (model, stream) set by the gateway.
func wireBody(env *models.RequestEnvelope) map[string]any {
	body := make(map[string]any, len(env.Body)+2)
	for k, v := range env.Body {
		body[k] = v
	}
	body["model"] = env.Model
	if env.Stream {
		body["stream"] = true
	} else {
		delete(body, "stream")
	}
	return body
}
