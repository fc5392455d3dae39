// Package imagegen fills missing image keys through an OpenAI-compatible
// image generation endpoint.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/starford/galaxy/internal/filetable"
)

// DefaultEndpoint is the OpenAI image generation URL.
const DefaultEndpoint = "https://api.openai.com/v1/images/generations"

// ErrDisabled is returned when the client has no API key.
var ErrDisabled = errors.New("imagegen: no api key configured")

// Client calls the image generation API.
type Client struct {
	Endpoint string
	APIKey   string
	Model    string
	Size     string
	HTTP     *http.Client
}

var _ filetable.Generator = (*Client)(nil)

// New creates a client. Empty endpoint, model and size fall back to defaults.
func New(endpoint, apiKey, model, size string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if model == "" {
		model = "dall-e-3"
	}
	if size == "" {
		size = "1024x1024"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Model:    model,
		Size:     size,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the client can make requests.
func (c *Client) Enabled() bool {
	return c != nil && c.APIKey != ""
}

type generateRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type generateResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate renders an image for key, using the file name as the prompt.
func (c *Client) Generate(ctx context.Context, key string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	prompt := Prompt(key)
	if prompt == "" {
		return nil, fmt.Errorf("imagegen: empty prompt for %q", key)
	}

	body, err := json.Marshal(generateRequest{
		Model:          c.Model,
		Prompt:         prompt,
		N:              1,
		Size:           c.Size,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, fmt.Errorf("imagegen: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("imagegen: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imagegen: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("imagegen: read response: %w", err)
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("imagegen: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("imagegen: %s", msg)
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return nil, errors.New("imagegen: empty response")
	}
	img, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("imagegen: decode image: %w", err)
	}
	return img, nil
}

// Prompt turns a file name such as "red-fox_in_snow.png" into "red fox in snow".
func Prompt(key string) string {
	stem := strings.TrimSuffix(path.Base(key), path.Ext(key))
	fields := strings.FieldsFunc(stem, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}
