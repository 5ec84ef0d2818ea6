package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultImageSize       = "1024x1024"
	defaultImagesTimeout   = 120 * time.Second
	imagesResponseFormat   = "b64_json"
	imagesPerRequest       = 1
)

// OpenAICompatImages calls any OpenAI-compatible /v1/images/generations
// endpoint (Nebius AI Studio, OpenAI, self-hosted gateways).
type OpenAICompatImages struct {
	baseURL    string
	apiKey     string
	model      string
	size       string
	httpClient *http.Client
}

// NewOpenAICompatImages builds an OpenAI-compatible ImageGenerator.
// baseURL should include the /v1 prefix, e.g. "https://api.studio.nebius.com/v1".
func NewOpenAICompatImages(baseURL, apiKey, model, size string, timeout time.Duration) *OpenAICompatImages {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if size = strings.TrimSpace(size); size == "" {
		size = defaultImageSize
	}
	if timeout <= 0 {
		timeout = defaultImagesTimeout
	}
	return &OpenAICompatImages{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		size:    size,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GenerateImage requests exactly one image at the configured size and decodes
// the base64 payload into raw PNG bytes. It performs no retries; any provider
// error surfaces to the caller.
func (g *OpenAICompatImages) GenerateImage(ctx context.Context, prompt string) (Result, error) {
	if g.model == "" {
		return Result{}, fmt.Errorf("image generation model required")
	}
	reqBody := imagesRequest{
		Model:          g.model,
		Prompt:         prompt,
		N:              imagesPerRequest,
		Size:           g.size,
		ResponseFormat: imagesResponseFormat,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, err
	}

	url := g.baseURL + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("images request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp imagesErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return Result{}, fmt.Errorf("images api error: %s", errResp.Error.Message)
		}
		return Result{}, fmt.Errorf("images api error: %s", resp.Status)
	}

	var imagesResp imagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&imagesResp); err != nil {
		return Result{}, fmt.Errorf("images decode: %w", err)
	}
	elapsed := time.Since(start)
	if len(imagesResp.Data) == 0 {
		return Result{}, fmt.Errorf("no image generated")
	}
	raw, err := base64.StdEncoding.DecodeString(imagesResp.Data[0].B64JSON)
	if err != nil {
		return Result{}, fmt.Errorf("decode image data: %w", err)
	}
	if len(raw) == 0 {
		return Result{}, fmt.Errorf("no image generated")
	}
	return Result{PNG: raw, Elapsed: elapsed}, nil
}

// OpenAI-compatible request/response types.

type imagesRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type imagesResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type imagesErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
