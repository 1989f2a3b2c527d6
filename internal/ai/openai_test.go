package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Input == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"input rejected","type":"invalid_request_error"}}`))
			return
		}
		require.Equal(t, "small", req.Model)
		require.Equal(t, 3, req.Dimensions)
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,1,2]}]}`))
	}))
	defer srv.Close()

	p, err := NewEmbedProvider("openai", map[string]interface{}{
		"api_key":    " key ",
		"base_url":   srv.URL + "/v1/",
		"dimensions": 3,
	})
	require.NoError(t, err)

	vec, err := p.Embed(context.Background(), "small", "cat", "ignored")
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, 1, 2}, vec)

	_, err = p.Embed(context.Background(), "small", "bad", "")
	require.ErrorContains(t, err, "input rejected (invalid_request_error)")

	_, err = NewEmbedProvider("openai", map[string]interface{}{"dimensions": -1})
	require.Error(t, err)
}
