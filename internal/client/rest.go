package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
)

// apiError mirrors the error body written by the REST server.
type apiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

type restClient struct {
	base  string
	http  *http.Client
	token func() string
}

func newRestClient(opts Options, token func() string) *restClient {
	return &restClient{
		base:  strings.TrimRight(opts.APIBaseURL, "/"),
		http:  opts.HTTPClient,
		token: token,
	}
}

func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if resp.StatusCode == http.StatusUnauthorized {
			return &AuthError{Err: fmt.Errorf("%s %s: %s", method, path, resp.Status)}
		}
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *restClient) StartConversation(ctx context.Context, propertyId, hostId int) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]int{
		"property_id": propertyId,
		"host_id":     hostId,
	}, &conv)
	return conv, err
}

func (c *restClient) Conversations(ctx context.Context) ([]types.ConversationSummary, error) {
	var summaries []types.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &summaries)
	return summaries, err
}

// MessagesAfter fetches messages following the (after, afterId) cursor,
// oldest first. With afterId 0 messages created at after are included; a
// zero after fetches from the beginning.
func (c *restClient) MessagesAfter(ctx context.Context, conversationId string, after time.Time, afterId, limit int) ([]types.Message, error) {
	q := url.Values{}
	if !after.IsZero() {
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	if afterId > 0 {
		q.Set("after_id", strconv.Itoa(afterId))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/conversations/" + url.PathEscape(conversationId) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var msgs []types.Message
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

func (c *restClient) Booking(ctx context.Context, id int) (types.Booking, error) {
	var b types.Booking
	err := c.do(ctx, http.MethodGet, "/api/bookings/"+strconv.Itoa(id), nil, &b)
	return b, err
}

func (c *restClient) UpdateBookingStatus(ctx context.Context, id int, status types.BookingStatus) (types.Booking, error) {
	var b types.Booking
	err := c.do(ctx, http.MethodPatch, "/api/bookings/"+strconv.Itoa(id)+"/status", map[string]types.BookingStatus{
		"status": status,
	}, &b)
	return b, err
}
