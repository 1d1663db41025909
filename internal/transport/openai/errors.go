package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/vecpipe/internal/domain"
)

// parseAPIError maps go-openai failures onto the endpoint error taxonomy.
// HTTP failures keep their status, network failures get status 0 (transient),
// anything else (decode errors, empty responses) is a non-retryable endpoint error.
func parseAPIError(endpoint string, err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := extractDetail(reqErr.Body)
		if msg == "" {
			msg = string(reqErr.Body)
		}
		return &domain.EndpointError{Endpoint: endpoint, Status: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &domain.EndpointError{Endpoint: endpoint, Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &domain.EndpointError{Endpoint: endpoint, Err: err}
	}

	return fmt.Errorf("%s request failed: %w", endpoint, errors.Join(domain.ErrEndpoint, err))
}

// extractDetail extracts the "detail" field from a JSON error body (vLLM / Nebius error format).
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
