package push

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sendPath = "/--/api/v2/push/send"

func TestExpoClientSend(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, sendPath, r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"status":"ok","id":"ticket-1"}]}`))
	}))
	defer srv.Close()

	c := NewExpoClient(srv.URL)
	err := c.Send(context.Background(), Message{
		To:    "ExponentPushToken[abc]",
		Title: "Stamp added",
		Body:  "You now have 3 of 10 stamps.",
		Data:  map[string]string{"screen": "stamp"},
	})
	require.NoError(t, err)

	assert.Contains(t, body, `ExponentPushToken[abc]`)
	assert.Contains(t, body, `"title":"Stamp added"`)
	assert.Contains(t, body, `"sound":"default"`)
	assert.Contains(t, body, `"screen":"stamp"`)
}

func TestExpoClientErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":   {status: http.StatusInternalServerError, body: `oops`},
		"ticket error":   {status: http.StatusOK, body: `{"data":[{"status":"error","message":"DeviceNotRegistered","details":{"error":"DeviceNotRegistered"}}]}`},
		"request errors": {status: http.StatusOK, body: `{"errors":[{"code":"VALIDATION_ERROR","message":"bad token"}]}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := NewExpoClient(srv.URL).Send(context.Background(), Message{To: "ExponentPushToken[abc]", Title: "t", Body: "b"})
			assert.Error(t, err)
		})
	}
}

func TestExpoClientRejectsMalformedToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	err := NewExpoClient(srv.URL).Send(context.Background(), Message{To: "x", Title: "t", Body: "b"})
	assert.ErrorIs(t, err, ErrInvalidPushToken)
	assert.False(t, called)
}

func TestExpoClientStopsWaitingOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"data":[{"status":"ok","id":"ticket-1"}]}`))
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewExpoClient(srv.URL).Send(ctx, Message{To: "ExponentPushToken[abc]", Title: "t", Body: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
