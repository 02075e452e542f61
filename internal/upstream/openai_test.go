package upstream

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// TestOpenAIClient_ChatCompletion_Recorded replays a pre-recorded
// OpenAI /chat/completions exchange via go-vcr rather than hitting the
// network. This is the one place in the package exercising go-vcr —
// every other upstream test uses httptest.Server directly — so the
// real http.Client code path gets covered end to end at least once.
func TestOpenAIClient_ChatCompletion_Recorded(t *testing.T) {
	rec, err := recorder.New("testdata/fixtures/openai_chat_completion", recorder.WithMode(recorder.ModeReplayOnly))
	require.NoError(t, err)
	defer rec.Stop()

	httpClient := &http.Client{Transport: rec}
	client := NewOpenAIClient("test-key", "https://api.openai.test/v1", httpClient)

	resp, err := client.ChatCompletion(context.Background(), &chatmodel.Request{
		Model:    "gpt-4o-mini",
		Messages: []chatmodel.Message{{Role: chatmodel.RoleUser, Content: strPtr("say hi")}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi there", *resp.Choices[0].Message.Content)
	assert.Equal(t, chatmodel.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestOpenAIClient_ChatCompletion_HTTPError(t *testing.T) {
	server := newJSONServer(t, http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`)
	defer server.Close()

	client := NewOpenAIClient("k", server.URL, server.Client())
	_, err := client.ChatCompletion(context.Background(), &chatmodel.Request{Model: "gpt-4o-mini"})
	require.Error(t, err)
}

func TestOpenAIClient_ChatCompletionStream(t *testing.T) {
	body := "data: {\"id\":\"c1\",\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	server := newSSEServer(t, body)
	defer server.Close()

	client := NewOpenAIClient("k", server.URL, server.Client())
	ch, err := client.ChatCompletionStream(context.Background(), &chatmodel.Request{
		Model:  "gpt-4o-mini",
		Stream: true,
	})
	require.NoError(t, err)

	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "assistant", chunks[0].Delta.Role)
	assert.Equal(t, "hi", chunks[1].Delta.Content)
	assert.Equal(t, chatmodel.FinishStop, chunks[2].FinishReason)
	for _, c := range chunks {
		assert.NoError(t, c.Err)
	}
}
