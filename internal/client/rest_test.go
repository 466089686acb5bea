package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRestClient(t *testing.T, handler http.HandlerFunc) *restClient {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := DefaultOptions()
	opts.APIBaseURL = srv.URL + "/"
	return newRestClient(opts, func() string { return "secret-token" })
}

func TestRestClient_StartConversation(t *testing.T) {
	c := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]int{"property_id": 7, "host_id": 2}, body)

		writeTestJson(w, http.StatusCreated, types.Conversation{Id: "abc", GuestId: 1, HostId: 2, PropertyId: 7})
	})

	conv, err := c.StartConversation(context.Background(), 7, 2)
	require.NoError(t, err)
	assert.Equal(t, "abc", conv.Id)
}

func TestRestClient_MessagesAfter(t *testing.T) {
	after := time.Date(2024, 6, 1, 10, 0, 0, 123000000, time.UTC)

	tcases := []struct {
		name    string
		after   time.Time
		afterId int
		query   string
	}{
		{name: "from the start", query: "limit=100"},
		{name: "after a watermark", after: after, query: "after=2024-06-01T10%3A00%3A00.123Z&limit=100"},
		{name: "after a cursor", after: after, afterId: 42, query: "after=2024-06-01T10%3A00%3A00.123Z&after_id=42&limit=100"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/conversations/c%201/messages", r.URL.EscapedPath())
				assert.Equal(t, tc.query, r.URL.RawQuery)
				writeTestJson(w, http.StatusOK, []types.Message{{Id: 1, ConversationId: "c 1"}})
			})

			msgs, err := c.MessagesAfter(context.Background(), "c 1", tc.after, tc.afterId, resyncPageSize)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, 1, msgs[0].Id)
		})
	}
}

func TestRestClient_UpdateBookingStatus(t *testing.T) {
	c := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/bookings/5/status", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "confirmed", body["status"])

		writeTestJson(w, http.StatusOK, types.Booking{Id: 5, Status: types.BookingConfirmed})
	})

	b, err := c.UpdateBookingStatus(context.Background(), 5, types.BookingConfirmed)
	require.NoError(t, err)
	assert.Equal(t, types.BookingConfirmed, b.Status)
}

func TestRestClient_errors(t *testing.T) {
	tcases := []struct {
		name  string
		code  int
		check func(t *testing.T, err error)
	}{
		{
			name: "unauthorized",
			code: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				assert.ErrorAs(t, err, &authErr)
			},
		},
		{
			name: "conflict",
			code: http.StatusConflict,
			check: func(t *testing.T, err error) {
				var statusErr *StatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusConflict, statusErr.Code)
				assert.Equal(t, "no such transition", statusErr.Message)
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeTestJson(w, tc.code, apiError{StatusCode: tc.code, Message: "no such transition"})
			})

			_, err := c.Booking(context.Background(), 5)
			tc.check(t, err)
		})
	}
}

func TestRestClient_networkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	opts := DefaultOptions()
	opts.APIBaseURL = srv.URL
	c := newRestClient(opts, func() string { return "" })

	_, err := c.Conversations(context.Background())
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
}
