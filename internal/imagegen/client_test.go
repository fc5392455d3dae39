package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrompt(t *testing.T) {
	assert.Equal(t, "red fox in snow", Prompt("red-fox_in_snow.png"))
	assert.Equal(t, "galaxy", Prompt("/public/galaxy.JPG"))
	assert.Equal(t, "", Prompt(".png"))
}

func TestGenerateDecodesImage(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("PNGDATA"))}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", "", "", time.Second)
	img, err := c.Generate(context.Background(), "blue-moon.png")
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(img))
	assert.Equal(t, "blue moon", got.Prompt)
	assert.Equal(t, "b64_json", got.ResponseFormat)
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"content policy"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", "", "", time.Second)
	_, err := c.Generate(context.Background(), "x.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content policy")
}

func TestGenerateDisabledWithoutKey(t *testing.T) {
	c := New("", "", "", "", 0)
	_, err := c.Generate(context.Background(), "x.png")
	assert.True(t, errors.Is(err, ErrDisabled))
}
