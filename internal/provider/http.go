package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPGenerator calls an external generation endpoint that accepts
// {prompt, referenceAssets} and answers {success, assetUrl} or {error}.
type HTTPGenerator struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPGenerator(url, apiKey string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPGenerator{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Prompt          string   `json:"prompt"`
	ReferenceAssets []string `json:"referenceAssets"`
}

type generateResponse struct {
	Success         bool     `json:"success"`
	AssetURL        string   `json:"assetUrl"`
	ThumbnailURL    string   `json:"thumbnailUrl"`
	DurationSeconds *float64 `json:"durationSeconds"`
	Error           string   `json:"error"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, *Error) {
	refs := make([]string, 0, len(in.ReferenceAssets))
	for _, r := range in.ReferenceAssets {
		refs = append(refs, base64.StdEncoding.EncodeToString(r))
	}
	body, err := json.Marshal(generateRequest{Prompt: in.Prompt, ReferenceAssets: refs})
	if err != nil {
		return GenerateOutput{}, &Error{
			Category:        "validation",
			Code:            "ENCODE_FAILED",
			UserMessage:     "Request could not be encoded",
			InternalMessage: err.Error(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return GenerateOutput{}, &Error{
			Category:        "validation",
			Code:            "BAD_ENDPOINT",
			UserMessage:     "Generation endpoint misconfigured",
			InternalMessage: err.Error(),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return GenerateOutput{}, &Error{
				Category:        "canceled",
				Code:            "CANCELED",
				UserMessage:     "Request canceled",
				InternalMessage: err.Error(),
			}
		}
		return GenerateOutput{}, &Error{
			Category:        "network",
			Code:            "UPSTREAM_UNREACHABLE",
			Retryable:       true,
			UserMessage:     "Generation service unreachable",
			InternalMessage: err.Error(),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return GenerateOutput{}, &Error{
			Category:        "network",
			Code:            "UPSTREAM_READ_FAILED",
			Retryable:       true,
			UserMessage:     "Generation service response interrupted",
			InternalMessage: err.Error(),
		}
	}

	var out generateResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if decodeErr == nil && out.Error != "" {
			msg = fmt.Sprintf("status %d: %s", resp.StatusCode, out.Error)
		}
		return GenerateOutput{}, &Error{
			Category:        "upstream",
			Code:            fmt.Sprintf("UPSTREAM_%d", resp.StatusCode),
			Retryable:       resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			UserMessage:     "Generation failed",
			InternalMessage: msg,
		}
	}
	if decodeErr != nil {
		return GenerateOutput{}, &Error{
			Category:        "upstream",
			Code:            "BAD_RESPONSE",
			UserMessage:     "Generation service returned an invalid response",
			InternalMessage: decodeErr.Error(),
		}
	}
	if !out.Success || out.AssetURL == "" {
		msg := out.Error
		if msg == "" {
			msg = "no asset url in response"
		}
		return GenerateOutput{}, &Error{
			Category:        "upstream",
			Code:            "GENERATION_FAILED",
			UserMessage:     "Generation failed",
			InternalMessage: msg,
		}
	}
	return GenerateOutput{
		AssetURL:        out.AssetURL,
		ThumbnailURL:    out.ThumbnailURL,
		DurationSeconds: out.DurationSeconds,
	}, nil
}
