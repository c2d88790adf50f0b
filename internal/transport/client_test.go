package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewise/mealsync/pkg/errors"
)

func TestCookieAuthApplied(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("meal_planner_session"); err == nil {
			gotCookie = c.Value
		}
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client, err := New(srv.URL, &CookieAuth{Value: "s3cret"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, client.GetJSON(context.Background(), "/api/health", &out))
	assert.Equal(t, "s3cret", gotCookie)
}

func TestBearerAuthApplied(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client, err := New(srv.URL, &BearerAuth{Token: "tok"})
	require.NoError(t, err)

	require.NoError(t, client.GetJSON(context.Background(), "/", nil))
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestPostJSONSetsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":"42","title":"Salmon Bites"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client, err := New(srv.URL, nil)
	require.NoError(t, err)

	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, client.PostJSON(context.Background(), "/api/meal-ideas",
		map[string]string{"title": "Salmon Bites"}, &created))
	assert.Equal(t, "42", created.ID)
}

func TestDecodeResponseErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		sentinel   error
	}{
		{"401 maps to unauthorized", http.StatusUnauthorized, errors.ErrUnauthorized},
		{"403 maps to unauthorized", http.StatusForbidden, errors.ErrUnauthorized},
		{"500 maps to server unavailable", http.StatusInternalServerError, errors.ErrServerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			client, err := New(srv.URL, nil)
			require.NoError(t, err)

			err = client.GetJSON(context.Background(), "/api/meal-ideas", nil)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestURLJoining(t *testing.T) {
	client, err := New("https://planner.example.com/", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://planner.example.com/api/pantry", client.URL("/api/pantry"))
}

func TestIsHTMLResponse(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}}
	assert.True(t, IsHTMLResponse(resp))

	resp = &http.Response{Header: http.Header{"Content-Type": []string{"application/json"}}}
	assert.False(t, IsHTMLResponse(resp))
}
