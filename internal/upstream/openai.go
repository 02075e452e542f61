package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/luthienresearch/luthien/internal/apierror"
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// OpenAIClient implements Client against any OpenAI-compatible
// /chat/completions endpoint. Luthien's normalized dialect is already
// OpenAI-shaped, but the wire format still differs in the details: tool
// calls nest under a "function" object, and streaming deltas address
// tool calls by index the same way chatmodel.ToolCallDelta does.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIClient creates an OpenAIClient ready to make API calls.
func NewOpenAIClient(apiKey, baseURL string, client *http.Client) *OpenAIClient {
	return &OpenAIClient{apiKey: apiKey, baseURL: baseURL, client: newHTTPClient(client)}
}

func (o *OpenAIClient) Name() string { return "openai" }

// --- Wire types ------------------------------------------------------------

type openaiRequest struct {
	Model          string            `json:"model"`
	Messages       []openaiMessage   `json:"messages"`
	Tools          []openaiTool      `json:"tools,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	Stop           []string          `json:"stop,omitempty"`
	ResponseFormat *openaiRespFormat `json:"response_format,omitempty"`
}

type openaiRespFormat struct {
	Type string `json:"type"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []openaiToolCallDelta `json:"tool_calls,omitempty"`
}

type openaiToolCallDelta struct {
	Index    int                     `json:"index"`
	ID       string                  `json:"id,omitempty"`
	Function openaiToolCallFuncDelta `json:"function"`
}

type openaiToolCallFuncDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// --- Request translation ---------------------------------------------------

func toOpenAIRequest(req *chatmodel.Request) *openaiRequest {
	out := &openaiRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if req.ResponseFormat != "" {
		out.ResponseFormat = &openaiRespFormat{Type: req.ResponseFormat}
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toOpenAIMessage(m))
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func toOpenAIMessage(m chatmodel.Message) openaiMessage {
	out := openaiMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openaiToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: openaiToolCallFunc{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}

func fromOpenAIResponse(resp *openaiResponse) *chatmodel.Response {
	out := &chatmodel.Response{ID: resp.ID, Model: resp.Model}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, chatmodel.Choice{
			Index:        c.Index,
			Message:      fromOpenAIMessage(c.Message),
			FinishReason: c.FinishReason,
		})
	}
	if resp.Usage != nil {
		out.Usage = &chatmodel.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}

func fromOpenAIMessage(m openaiMessage) chatmodel.Message {
	out := chatmodel.Message{Role: chatmodel.NormalizeRole(m.Role), Content: m.Content, Name: m.Name}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chatmodel.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// --- Non-streaming -----------------------------------------------------

func (o *OpenAIClient) ChatCompletion(ctx context.Context, req *chatmodel.Request) (*chatmodel.Response, error) {
	wireReq := toOpenAIRequest(req)
	wireReq.Stream = false

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshaling openai request: %w", err)
	}

	httpReq, err := o.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, apierror.ConnectionError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapUpstreamError(httpResp)
	}

	var wireResp openaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("upstream: decoding openai response: %w", err)
	}

	return fromOpenAIResponse(&wireResp), nil
}

func (o *OpenAIClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	return httpReq, nil
}

func mapUpstreamError(resp *http.Response) error {
	var errBody map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	return apierror.FromUpstreamStatus(resp.StatusCode, fmt.Sprintf("upstream error (status %d): %v", resp.StatusCode, errBody))
}

// --- Streaming -----------------------------------------------------------

func (o *OpenAIClient) ChatCompletionStream(ctx context.Context, req *chatmodel.Request) (<-chan Chunk, error) {
	wireReq := toOpenAIRequest(req)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshaling openai request: %w", err)
	}

	httpReq, err := o.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, apierror.ConnectionError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, mapUpstreamError(httpResp)
	}

	ch := make(chan Chunk)
	go o.pump(ctx, httpResp.Body, ch)
	return ch, nil
}

func (o *OpenAIClient) pump(ctx context.Context, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return
		}

		var wire openaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("upstream: decoding openai stream chunk: %w", err)})
			return
		}

		for _, c := range normalizeOpenAIStreamChunk(wire) {
			if !sendChunk(ctx, ch, c) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("upstream: reading openai stream: %w", err)})
	}
}

func normalizeOpenAIStreamChunk(wire openaiStreamChunk) []Chunk {
	if len(wire.Choices) == 0 {
		if wire.Usage != nil {
			return []Chunk{{Chunk: chatmodel.Chunk{
				ID: wire.ID, Model: wire.Model,
				Usage: &chatmodel.Usage{
					PromptTokens: wire.Usage.PromptTokens, CompletionTokens: wire.Usage.CompletionTokens,
					TotalTokens: wire.Usage.TotalTokens,
				},
			}}}
		}
		return nil
	}

	choice := wire.Choices[0]
	out := chatmodel.Chunk{ID: wire.ID, Model: wire.Model, ChoiceIndex: choice.Index}
	out.Delta.Role = choice.Delta.Role
	out.Delta.Content = choice.Delta.Content
	if len(choice.Delta.ToolCalls) > 0 {
		tc := choice.Delta.ToolCalls[0]
		out.Delta.ToolCall = &chatmodel.ToolCallDelta{
			Index: tc.Index, ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
		}
	}
	if choice.FinishReason != nil {
		out.FinishReason = *choice.FinishReason
	}
	if wire.Usage != nil {
		out.Usage = &chatmodel.Usage{
			PromptTokens: wire.Usage.PromptTokens, CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens: wire.Usage.TotalTokens,
		}
	}
	return []Chunk{{Chunk: out}}
}

func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
