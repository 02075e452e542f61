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

	adapter "github.com/luthienresearch/luthien/internal/adapter/anthropic"
	"github.com/luthienresearch/luthien/internal/apierror"
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// anthropicAPIVersion pins the Anthropic API behavior.
const anthropicAPIVersion = "2023-06-01"

// AnthropicClient implements Client against an Anthropic-native
// /v1/messages endpoint. It reuses internal/adapter/anthropic for
// every wire translation rather than re-deriving Anthropic's request and
// event shapes a second time.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropicClient creates an AnthropicClient ready to make API calls.
func NewAnthropicClient(apiKey, baseURL string, client *http.Client) *AnthropicClient {
	return &AnthropicClient{apiKey: apiKey, baseURL: baseURL, client: newHTTPClient(client)}
}

func (a *AnthropicClient) Name() string { return "anthropic" }

func (a *AnthropicClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

func (a *AnthropicClient) ChatCompletion(ctx context.Context, req *chatmodel.Request) (*chatmodel.Response, error) {
	wireReq := adapter.ToAnthropicRequest(req)
	wireReq.Stream = false

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshaling anthropic request: %w", err)
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, apierror.ConnectionError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapUpstreamError(httpResp)
	}

	var wireResp adapter.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("upstream: decoding anthropic response: %w", err)
	}

	return adapter.ToNormalizedResponse(&wireResp), nil
}

func (a *AnthropicClient) ChatCompletionStream(ctx context.Context, req *chatmodel.Request) (<-chan Chunk, error) {
	wireReq := adapter.ToAnthropicRequest(req)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshaling anthropic request: %w", err)
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, apierror.ConnectionError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, mapUpstreamError(httpResp)
	}

	ch := make(chan Chunk)
	go a.pump(ctx, httpResp.Body, ch)
	return ch, nil
}

// pump parses the named-event Anthropic SSE format ("event: ..." lines
// are skipped; the payload's own "type" field is decoded) and feeds each
// event through a ReverseConverter to emit normalized chunks carrying
// the same tool-call index the source used.
func (a *AnthropicClient) pump(ctx context.Context, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	conv := adapter.NewReverseConverter()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var ev adapter.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("upstream: decoding anthropic stream event: %w", err)})
			return
		}

		for _, c := range conv.Convert(ev) {
			if !sendChunk(ctx, ch, Chunk{Chunk: c}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("upstream: reading anthropic stream: %w", err)})
	}
}
