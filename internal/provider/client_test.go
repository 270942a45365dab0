package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/modelrelay/modelrelay/pkg/errors"
)

func chatOK(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 9, "completion_tokens": 4},
		})
	}
}

func TestHTTPClient_Call(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		chatOK("the answer")(w, r)
	}))
	defer server.Close()

	client := NewHTTPClient("openai", server.URL, "sk-test", "gpt-4o-mini", 5*time.Second)
	assert.Equal(t, "openai", client.ID())

	resp, err := client.Call(context.Background(), CallRequest{
		Prompt:    "what is 2+2",
		System:    "be terse",
		History:   []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		MaxTokens: 64,
	})
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 9, resp.TokensIn)
	assert.Equal(t, 4, resp.TokensOut)
	assert.Greater(t, resp.Latency, time.Duration(0))

	// Message assembly: system, history, then the user prompt.
	require.Len(t, captured.Messages, 4)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "be terse", captured.Messages[0].Content)
	assert.Equal(t, "user", captured.Messages[3].Role)
	assert.Equal(t, "what is 2+2", captured.Messages[3].Content)
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.Equal(t, 64, captured.MaxTokens)
}

func TestHTTPClient_RequestModelOverridesDefault(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		chatOK("x")(w, r)
	}))
	defer server.Close()

	client := NewHTTPClient("openai", server.URL, "", "default-model", 5*time.Second)
	_, err := client.Call(context.Background(), CallRequest{Prompt: "p", Model: "special-model"})
	require.NoError(t, err)
	assert.Equal(t, "special-model", captured.Model)
}

func TestHTTPClient_RateLimitedMapsToRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient("openai", server.URL, "", "m", 5*time.Second)
	_, err := client.Call(context.Background(), CallRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))
}

func TestHTTPClient_ServerErrorMapsToExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient("openai", server.URL, "", "m", 5*time.Second)
	_, err := client.Call(context.Background(), CallRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
}

func TestHTTPClient_TimeoutMapsToTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		chatOK("late")(w, r)
	}))
	defer server.Close()

	client := NewHTTPClient("openai", server.URL, "", "m", 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, CallRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout))
}

func TestHTTPClient_ConnectionFailureMapsToNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	client := NewHTTPClient("openai", server.URL, "", "m", time.Second)
	_, err := client.Call(context.Background(), CallRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNetwork))
}

func TestHTTPClient_EmptyChoicesMapsToExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"model": "m", "choices": []interface{}{}})
	}))
	defer server.Close()

	client := NewHTTPClient("openai", server.URL, "", "m", 5*time.Second)
	_, err := client.Call(context.Background(), CallRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
}

func TestOutcomeClassStrings(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "timeout", OutcomeTimeout.String())
	assert.Equal(t, "network_error", OutcomeNetwork.String())
	assert.Equal(t, "other_error", OutcomeOther.String())
	assert.Equal(t, "acquire_timeout", OutcomeAcquireTimeout.String())
}
