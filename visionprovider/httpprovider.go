package visionprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"gopkg.in/errgo.v1"
)

// HTTPProvider implements Provider against a JSON HTTP endpoint that
// accepts a base64 image and a text instruction and returns a single
// text completion. Gemini and Claude are both wired through this
// shape with backend-specific buildRequest/parseResponse pairs;
// the vision backend's own wire format is otherwise opaque to us.
type HTTPProvider struct {
	name           string
	endpoint       string
	apiKey         string
	client         *http.Client
	buildRequest   func(endpoint, apiKey, model, prompt string, image []byte) (*http.Request, error)
	parseResponse  func(body []byte) (text string, tokensIn, tokensOut int, err error)
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Read(ctx context.Context, image []byte, model string, profile PromptProfile) (ProviderRaw, error) {
	prompt, err := promptFor(profile)
	if err != nil {
		return ProviderRaw{}, errgo.Mask(err)
	}
	req, err := p.buildRequest(p.endpoint, p.apiKey, model, prompt, image)
	if err != nil {
		return ProviderRaw{}, errgo.Notef(err, "cannot build %s request", p.name)
	}
	req = req.WithContext(ctx)

	resp, err := p.client.Do(req)
	if err != nil {
		return ProviderRaw{}, errgo.Notef(err, "%s request failed", p.name)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProviderRaw{}, errgo.Notef(err, "cannot read %s response", p.name)
	}
	if resp.StatusCode != http.StatusOK {
		return ProviderRaw{}, errgo.Newf("%s returned HTTP status %d: %s", p.name, resp.StatusCode, truncate(body, 500))
	}
	text, tin, tout, err := p.parseResponse(body)
	if err != nil {
		return ProviderRaw{}, errgo.Notef(err, "cannot parse %s response envelope", p.name)
	}
	return ProviderRaw{
		JSONText:  text,
		TokensIn:  tin,
		TokensOut: tout,
		Model:     model,
		Provider:  p.name,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// NewGemini returns a Provider that talks to the Gemini
// generateContent API.
func NewGemini(apiKey string) Provider {
	return &HTTPProvider{
		name:     "gemini",
		endpoint: "https://generativelanguage.googleapis.com/v1beta/models",
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		buildRequest: func(endpoint, apiKey, model, prompt string, image []byte) (*http.Request, error) {
			url := endpoint + "/" + model + ":generateContent?key=" + apiKey
			payload := map[string]interface{}{
				"contents": []map[string]interface{}{{
					"parts": []map[string]interface{}{
						{"text": prompt},
						{"inline_data": map[string]string{
							"mime_type": "image/jpeg",
							"data":      base64.StdEncoding.EncodeToString(image),
						}},
					},
				}},
			}
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		parseResponse: func(body []byte) (string, int, int, error) {
			var env struct {
				Candidates []struct {
					Content struct {
						Parts []struct {
							Text string `json:"text"`
						} `json:"parts"`
					} `json:"content"`
				} `json:"candidates"`
				UsageMetadata struct {
					PromptTokenCount     int `json:"promptTokenCount"`
					CandidatesTokenCount int `json:"candidatesTokenCount"`
				} `json:"usageMetadata"`
			}
			if err := json.Unmarshal(body, &env); err != nil {
				return "", 0, 0, err
			}
			if len(env.Candidates) == 0 || len(env.Candidates[0].Content.Parts) == 0 {
				return "", 0, 0, errgo.Newf("no candidates in gemini response")
			}
			return env.Candidates[0].Content.Parts[0].Text, env.UsageMetadata.PromptTokenCount, env.UsageMetadata.CandidatesTokenCount, nil
		},
	}
}

// NewClaude returns a Provider that talks to the Anthropic messages
// API.
func NewClaude(apiKey string) Provider {
	return &HTTPProvider{
		name:     "claude",
		endpoint: "https://api.anthropic.com/v1/messages",
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		buildRequest: func(endpoint, apiKey, model, prompt string, image []byte) (*http.Request, error) {
			payload := map[string]interface{}{
				"model":      model,
				"max_tokens": 1024,
				"messages": []map[string]interface{}{{
					"role": "user",
					"content": []map[string]interface{}{
						{"type": "text", "text": prompt},
						{"type": "image", "source": map[string]string{
							"type":       "base64",
							"media_type": "image/jpeg",
							"data":       base64.StdEncoding.EncodeToString(image),
						}},
					},
				}},
			}
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(buf))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("anthropic-version", "2023-06-01")
			return req, nil
		},
		parseResponse: func(body []byte) (string, int, int, error) {
			var env struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
				Usage struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(body, &env); err != nil {
				return "", 0, 0, err
			}
			if len(env.Content) == 0 {
				return "", 0, 0, errgo.Newf("no content blocks in claude response")
			}
			return env.Content[0].Text, env.Usage.InputTokens, env.Usage.OutputTokens, nil
		},
	}
}
