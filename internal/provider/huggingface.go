// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultHuggingFaceURL is the base URL of the Hugging Face inference API.
	DefaultHuggingFaceURL = "https://api-inference.huggingface.co/models"

	// MaxImageSize bounds a generated image body (20MB).
	MaxImageSize = 20 * 1024 * 1024

	// DefaultImageTimeout bounds one image generation request.
	DefaultImageTimeout = 180 * time.Second
)

// =============================================================================
// IMAGE MODELS
// =============================================================================

// ImageModel maps a public model id to a provider model and its fixed
// generation parameters.
type ImageModel struct {
	ID             string
	Name           string
	ProviderModel  string
	Steps          int
	GuidanceScale  float64
	NegativePrompt string
}

// ImageModels is the static table of supported image models, keyed by id.
var ImageModels = map[string]ImageModel{
	"flux-schnell": {
		ID:            "flux-schnell",
		Name:          "FLUX.1 Schnell",
		ProviderModel: "black-forest-labs/FLUX.1-schnell",
		Steps:         4,
		GuidanceScale: 0,
	},
	"sdxl": {
		ID:             "sdxl",
		Name:           "Stable Diffusion XL",
		ProviderModel:  "stabilityai/stable-diffusion-xl-base-1.0",
		Steps:          30,
		GuidanceScale:  7.5,
		NegativePrompt: "blurry, low quality, distorted, watermark",
	},
	"sd-3.5": {
		ID:             "sd-3.5",
		Name:           "Stable Diffusion 3.5 Large",
		ProviderModel:  "stabilityai/stable-diffusion-3.5-large",
		Steps:          28,
		GuidanceScale:  3.5,
		NegativePrompt: "blurry, low quality",
	},
}

// LookupImageModel returns the model registered under id.
func LookupImageModel(id string) (ImageModel, bool) {
	m, ok := ImageModels[id]
	return m, ok
}

// ImageModelIDs returns the registered ids in sorted order.
func ImageModelIDs() []string {
	ids := make([]string, 0, len(ImageModels))
	for id := range ImageModels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// IMAGE CLIENT
// =============================================================================

type imageParameters struct {
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
}

type imageRequest struct {
	Inputs     string          `json:"inputs"`
	Parameters imageParameters `json:"parameters"`
}

// Image is a generated image.
type Image struct {
	Data        []byte
	ContentType string
}

// ImageClient generates images through the Hugging Face inference API.
type ImageClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewImageClient creates a client with the given API key.
func NewImageClient(apiKey string) *ImageClient {
	return &ImageClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultHuggingFaceURL,
		httpClient: &http.Client{Timeout: DefaultImageTimeout},
		logger:     slog.Default(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *ImageClient) WithBaseURL(url string) *ImageClient {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTimeout sets the request timeout.
func (c *ImageClient) WithTimeout(timeout time.Duration) *ImageClient {
	c.httpClient.Timeout = timeout
	return c
}

// WithLogger sets the logger.
func (c *ImageClient) WithLogger(logger *slog.Logger) *ImageClient {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// IsConfigured returns true if the client has an API key.
func (c *ImageClient) IsConfigured() bool {
	return c.apiKey != ""
}

// Generate renders prompt with model and returns the full image body.
func (c *ImageClient) Generate(ctx context.Context, model ImageModel, prompt string) (*Image, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	bodyBytes, err := json.Marshal(imageRequest{
		Inputs: prompt,
		Parameters: imageParameters{
			NumInferenceSteps: model.Steps,
			GuidanceScale:     model.GuidanceScale,
			NegativePrompt:    model.NegativePrompt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/" + model.ProviderModel
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/jpeg")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("UPSTREAM_RESPONSE",
		"provider", "huggingface",
		"status", resp.StatusCode,
		"model", model.ProviderModel,
		"duration", time.Since(start))

	body, err := readLimited(resp.Body, MaxImageSize)
	if resp.StatusCode != http.StatusOK {
		return nil, newProviderError("Hugging Face", resp.StatusCode, body)
	}
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, &ProviderError{Provider: "Hugging Face", Status: http.StatusBadGateway, Message: "empty image response"}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/jpeg"
	}
	return &Image{Data: body, ContentType: contentType}, nil
}
