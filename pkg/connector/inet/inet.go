// Package inet implements the backend's HTTP API: the command and position REST calls and the
// server-sent diagnostic event stream.
package inet

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
)

// DefaultBaseURL is the backend's REST root. Endpoint paths are resolved relative to it.
const DefaultBaseURL = "https://autostars.de/api/"

const (
	defaultRequestTimeout = 10 * time.Second
	breakerMaxFailures    = 5
	breakerTimeout        = 30 * time.Second
)

// ErrCircuitOpen indicates requests are being rejected locally after repeated backend failures.
var ErrCircuitOpen = protocol.NewError(protocol.KindTransport, "backend unavailable: too many consecutive failures", false, true)

func ReadWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.Code), e.Message)
}

func (e *HttpError) MayHaveSucceeded() bool {
	if e.Code >= 400 && e.Code < 500 {
		return false
	}
	return e.Code != http.StatusServiceUnavailable
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// AuthHeader, if set, is sent as the Authorization header of every request.
	AuthHeader string
	UserAgent  string
	// RequestTimeout bounds REST calls. The event stream is not subject to it.
	RequestTimeout time.Duration
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client issues requests against the backend API. REST calls pass through a circuit breaker so a
// failing backend is not hammered while the session keeps relaying.
type Client struct {
	baseURL    *url.URL
	authHeader string
	userAgent  string

	client       http.Client
	streamClient http.Client
	breaker      *gobreaker.CircuitBreaker[[]byte]

	entropyLock sync.Mutex
	entropy     *ulid.MonotonicEntropy
}

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(config.BaseURL, "/") {
		config.BaseURL += "/"
	}
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("inet: invalid base URL '%s': %w", config.BaseURL, err)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	c := &Client{
		baseURL:      baseURL,
		authHeader:   config.AuthHeader,
		userAgent:    config.UserAgent,
		client:       http.Client{Transport: config.Transport, Timeout: config.RequestTimeout},
		streamClient: http.Client{Transport: config.Transport},
		entropy:      ulid.Monotonic(rand.Reader, 0),
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "backend:" + baseURL.Host,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warning("inet: circuit breaker %s changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// A rejected request says nothing about the backend's health.
			var httpErr *HttpError
			return err == nil || (errors.As(err, &httpErr) && httpErr.Code >= 400 && httpErr.Code < 500)
		},
	})
	return c, nil
}

// AvailableCommands fetches the commands the backend can run for sessionID.
func (c *Client) AvailableCommands(ctx context.Context, sessionID string) (model.AvailableCommands, error) {
	var commands model.AvailableCommands
	query := url.Values{}
	if sessionID != "" {
		query.Set("sessionId", sessionID)
	}
	body, err := c.Send(ctx, http.MethodGet, "commands", query, nil)
	if err != nil {
		return commands, err
	}
	if err := json.Unmarshal(body, &commands); err != nil {
		return commands, protocol.DecodeError(fmt.Errorf("inet: unable to parse available commands: %w", err))
	}
	return commands, nil
}

// Execute asks the backend to run command.
func (c *Client) Execute(ctx context.Context, command model.Command) error {
	if err := command.Validate(); err != nil {
		return err
	}
	_, err := c.Send(ctx, http.MethodPost, "execute", nil, command)
	return err
}

// SendPosition reports the caller's location for a session.
func (c *Client) SendPosition(ctx context.Context, position model.PositionCommand) error {
	if err := position.Validate(); err != nil {
		return err
	}
	_, err := c.Send(ctx, http.MethodPost, "position", nil, position)
	return err
}

// Send issues a request to endpoint and returns the response body. A non-nil payload is sent as
// JSON, or verbatim if it is a []byte.
func (c *Client) Send(ctx context.Context, method, endpoint string, query url.Values, payload interface{}) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, method, endpoint, query, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return body, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var ok bool
		if body, ok = payload.([]byte); !ok {
			var err error
			if body, err = json.Marshal(payload); err != nil {
				return nil, err
			}
		}
	}

	request, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return nil, err
	}
	log.Debug("inet: %s %s [%s]: %s", method, request.URL, request.Header.Get("X-Request-Id"), body)

	result, err := c.client.Do(request)
	if err != nil {
		return nil, protocol.TransportError(err, method != http.MethodGet)
	}
	defer result.Body.Close()

	body = make([]byte, connector.MaxResponseLength+1)
	body, err = ReadWithContext(ctx, result.Body, body)
	if err != nil {
		return nil, protocol.TransportError(err, true)
	}
	if len(body) == connector.MaxResponseLength+1 {
		return nil, protocol.NewError(protocol.KindDecode, "response exceeds maximum length", true, false)
	}

	log.Debug("inet: server returned %d: %s: %s", result.StatusCode, http.StatusText(result.StatusCode), body)
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return nil, &HttpError{Code: result.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Request, error) {
	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint, RawQuery: query.Encode()})

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}
	if c.authHeader != "" {
		request.Header.Set("Authorization", c.authHeader)
	}
	request.Header.Set("X-Request-Id", c.requestID())
	return request, nil
}

func (c *Client) requestID() string {
	c.entropyLock.Lock()
	defer c.entropyLock.Unlock()
	return ulid.MustNew(ulid.Now(), c.entropy).String()
}
