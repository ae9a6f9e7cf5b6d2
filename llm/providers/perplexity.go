package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/buzzforge/llm"
)

// PerplexityProvider implements the Perplexity API. It speaks the OpenAI
// chat-completions wire format but returns citation URLs alongside the
// generated answer, which the research phase consumes.
type PerplexityProvider struct {
	OllamaProvider // Embed for shared request format
}

func init() {
	llm.RegisterProvider(&PerplexityProvider{})
}

// Name returns the provider identifier.
func (p *PerplexityProvider) Name() string {
	return "perplexity"
}

// BuildURL constructs the Perplexity API endpoint.
func (p *PerplexityProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.perplexity.ai"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}

	return baseURL + "/chat/completions"
}

// SetHeaders adds Perplexity authentication headers.
func (p *PerplexityProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("PERPLEXITY_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// perplexityResponse extends the OpenAI format with citations.
// Older API versions use "citations"; newer ones use "search_results".
type perplexityResponse struct {
	openAIResponse
	Citations     []string `json:"citations,omitempty"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"search_results,omitempty"`
}

// ParseResponse extracts content and citations from a Perplexity response.
func (p *PerplexityProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp perplexityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse perplexity response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	citations := resp.Citations
	for _, sr := range resp.SearchResults {
		if sr.URL != "" {
			citations = append(citations, sr.URL)
		}
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
		Citations:    dedupe(citations),
	}, nil
}

// dedupe removes duplicate citation URLs preserving order.
func dedupe(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
