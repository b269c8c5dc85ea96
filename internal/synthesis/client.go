package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/duetlabs/ritual/backend/internal/cycles"
)

// ErrGenerationRejected carries a structured failure reported by the
// generation collaborator, as opposed to a transport error.
var ErrGenerationRejected = errors.New("synthesis: generation rejected")

// Generator is the boundary to the external candidate-generation collaborator.
// Invocations must be safely repeatable; the cycle identifier is the
// idempotency key.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]cycles.Candidate, error)
}

// GenerateRequest carries both partners' raw input documents.
type GenerateRequest struct {
	CoupleID        string              `json:"coupleId"`
	CycleID         string              `json:"cycleId"`
	PartnerOneInput cycles.PartnerInput `json:"partnerOneInput"`
	PartnerTwoInput cycles.PartnerInput `json:"partnerTwoInput"`
}

type generateResponse struct {
	Candidates []cycles.Candidate `json:"candidates"`
	ErrorCode  string             `json:"error_code,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// ClientConfig configures the HTTP generation client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client invokes the generation collaborator over HTTP.
type Client struct {
	http *resty.Client
}

// NewClient constructs the generation client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &Client{http: c}
}

// Generate posts both inputs and decodes either a candidate list or a
// structured failure. The Idempotency-Key header lets the collaborator
// deduplicate repeated invocations for the same cycle.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) ([]cycles.Candidate, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.CycleID).
		SetBody(&req).
		Post("/v1/generate")
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}

	var decoded generateResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("synthesis decode: %w", err)
	}

	if resp.StatusCode() != http.StatusOK || decoded.ErrorCode != "" {
		return nil, fmt.Errorf("%w: status=%d code=%s message=%s",
			ErrGenerationRejected, resp.StatusCode(), decoded.ErrorCode, decoded.Message)
	}
	if len(decoded.Candidates) == 0 {
		return nil, fmt.Errorf("%w: empty candidate list", ErrGenerationRejected)
	}
	return decoded.Candidates, nil
}
