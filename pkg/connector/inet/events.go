package inet

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
)

const maxRetryInterval = 30 * time.Second

// EventHandler receives decoded diagnostic events, in stream order.
type EventHandler func(event model.DiagnosticEvent)

// Subscription is a long-lived event stream. It reconnects on transport errors until closed.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close ends the subscription and waits for its goroutine to exit. No events are delivered after
// Close returns.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens the event stream for challenge. Malformed frames are logged and skipped; dropped
// connections are retried after retry, doubling up to 30s while failures persist.
func (c *Client) Subscribe(challenge model.Challenge, retry time.Duration, handler EventHandler) *Subscription {
	if retry <= 0 {
		retry = connector.DefaultRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		base, delay := retry, retry
		for {
			received, err := c.stream(ctx, challenge, &base, handler)
			if ctx.Err() != nil {
				return
			}
			if received {
				delay = base
			}
			if err != nil {
				log.Warning("inet: event stream for %s failed: %s", challenge.ID, err)
			} else {
				log.Info("inet: event stream for %s ended, reconnecting", challenge.ID)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if !received {
				delay = min(2*delay, maxRetryInterval)
			}
		}
	}()
	return s
}

// stream consumes one event-stream connection. received reports whether any event was decoded.
func (c *Client) stream(ctx context.Context, challenge model.Challenge, retry *time.Duration, handler EventHandler) (received bool, err error) {
	query := url.Values{}
	query.Set("id", challenge.ID)
	query.Set("token", challenge.Token)

	request, err := c.newRequest(ctx, http.MethodGet, "events", query, nil)
	if err != nil {
		return false, err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")

	response, err := c.streamClient.Do(request)
	if err != nil {
		return false, protocol.TransportError(err, false)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return false, &HttpError{Code: response.StatusCode}
	}
	log.Info("inet: event stream for %s connected", challenge.ID)

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 4096), connector.MaxResponseLength)

	var data []string
	dispatch := func() {
		if len(data) == 0 {
			return
		}
		frame := strings.Join(data, "\n")
		data = data[:0]
		event, err := model.DecodeEvent([]byte(frame))
		if err != nil {
			log.Warning("inet: dropping malformed event: %s", err)
			return
		}
		received = true
		if ctx.Err() == nil {
			handler(event)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// Comment, used by servers as keep-alive.
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "retry:"):
			if ms, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil && ms > 0 {
				*retry = time.Duration(ms) * time.Millisecond
			}
		}
		// "id:" and "event:" fields are not used.
	}
	dispatch()
	if err := scanner.Err(); err != nil {
		return received, protocol.TransportError(err, false)
	}
	return received, nil
}
