package client

import (
	"io"
	"log"
	"net/http"
	"time"
)

type Options struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	ServerURL string
	// APIBaseURL is the REST root, e.g. http://localhost:8000.
	APIBaseURL string

	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64

	// TypingDebounce is the window in which at most one typing=true is sent.
	TypingDebounce time.Duration
	// TypingQuiet is how long input must pause before typing=false is sent.
	TypingQuiet time.Duration
	// TypingWatchdog clears a remote typing indicator that is not refreshed.
	TypingWatchdog time.Duration

	AckTimeout     time.Duration
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Dialer     Dialer
	Logger     *log.Logger
}

func DefaultOptions() Options {
	return Options{
		ServerURL:      "ws://localhost:8000/ws",
		APIBaseURL:     "http://localhost:8000",
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		BackoffJitter:  0.2,
		TypingDebounce: time.Second,
		TypingQuiet:    3 * time.Second,
		TypingWatchdog: 3 * time.Second,
		AckTimeout:     10 * time.Second,
		RequestTimeout: 10 * time.Second,
		HTTPClient:     &http.Client{Timeout: 15 * time.Second},
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServerURL == "" {
		o.ServerURL = d.ServerURL
	}
	if o.APIBaseURL == "" {
		o.APIBaseURL = d.APIBaseURL
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.BackoffJitter < 0 || o.BackoffJitter >= 1 {
		o.BackoffJitter = d.BackoffJitter
	}
	if o.TypingDebounce <= 0 {
		o.TypingDebounce = d.TypingDebounce
	}
	if o.TypingQuiet <= 0 {
		o.TypingQuiet = d.TypingQuiet
	}
	if o.TypingWatchdog <= 0 {
		o.TypingWatchdog = d.TypingWatchdog
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = d.HTTPClient
	}
	if o.Dialer == nil {
		o.Dialer = NewWebsocketDialer()
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}
