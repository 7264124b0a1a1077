package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"verdict/internal/events"
	"verdict/internal/metrics"
	"verdict/internal/moderation"
	"verdict/internal/tracing"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// wireFilter is a NIP-01 subscription filter
type wireFilter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Since   int64    `json:"since,omitempty"`
}

// Client opens one relay subscription per Subscribe call. It implements
// moderation.EventSource; reconnects are left to the caller, which owns backoff.
type Client struct {
	config *Config

	// Zstd decoder for compressed binary frames
	zstdDecoder *zstd.Decoder

	// Rotation index into config.Endpoints, advanced on failure
	endpointIdx atomic.Uint64

	// Stats
	open           atomic.Int64
	eventsReceived atomic.Int64
	bytesReceived  atomic.Int64
}

var _ moderation.EventSource = (*Client)(nil)

// NewClient creates a relay client
func NewClient(config *Config) (*Client, error) {
	if len(config.Endpoints) == 0 {
		return nil, errors.New("relay: no endpoints configured")
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("relay: failed to create zstd decoder: %w", err)
	}
	return &Client{config: config, zstdDecoder: decoder}, nil
}

// Close releases the decoder. Subscriptions must be stopped first.
func (c *Client) Close() {
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}

// OpenSubscriptions returns the number of live relay subscriptions
func (c *Client) OpenSubscriptions() int {
	return int(c.open.Load())
}

// Stats returns client statistics
func (c *Client) Stats() (eventsReceived, bytesReceived int64) {
	return c.eventsReceived.Load(), c.bytesReceived.Load()
}

func (c *Client) endpoint() string {
	idx := c.endpointIdx.Load()
	return c.config.Endpoints[idx%uint64(len(c.config.Endpoints))]
}

func (c *Client) rotate(from string) {
	if c.endpoint() == from {
		c.endpointIdx.Add(1)
	}
}

// Subscribe sends a REQ for f to the current relay and delivers matching
// events until ctx is cancelled (returning ctx.Err()) or the relay fails or
// closes the subscription (returning a *moderation.TransportError and
// rotating to the next endpoint).
func (c *Client) Subscribe(ctx context.Context, f moderation.Filter, deliver func(events.Event)) error {
	endpoint := c.endpoint()
	err := c.subscribe(ctx, endpoint, f, deliver)
	if err == nil || ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.RelayErrorsTotal.Inc()
	c.rotate(endpoint)
	return &moderation.TransportError{Source: endpoint, Err: err}
}

func (c *Client) subscribe(ctx context.Context, endpoint string, f moderation.Filter, deliver func(events.Event)) error {
	conn, err := c.dial(ctx, endpoint, f)
	if err != nil {
		return err
	}

	c.open.Add(1)
	metrics.RelayConnectionState.Inc()
	defer func() {
		c.open.Add(-1)
		metrics.RelayConnectionState.Dec()
	}()

	// Unblock the reader on cancellation and keep the connection alive
	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, f.ID, done)

	readTimeout := c.config.ReadTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}

		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		c.bytesReceived.Add(int64(len(message)))

		if msgType == websocket.BinaryMessage {
			message, err = c.decompress(message)
			if err != nil {
				metrics.RelayErrorsTotal.Inc()
				log.Warn().Err(err).Str("endpoint", endpoint).Msg("relay: dropping frame")
				continue
			}
		}

		closed, err := c.processMessage(endpoint, f.ID, message, deliver)
		if err != nil {
			metrics.RelayErrorsTotal.Inc()
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("relay: failed to process message")
			continue
		}
		if closed != "" {
			return fmt.Errorf("subscription closed by relay: %s", closed)
		}
	}
}

// dial connects to endpoint and sends the REQ for f
func (c *Client) dial(ctx context.Context, endpoint string, f moderation.Filter) (*websocket.Conn, error) {
	ctx, span := tracing.RelaySpan(ctx, endpoint, f.ID)
	defer span.End()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	req, err := json.Marshal([]any{"REQ", f.ID, c.wireFilter(f)})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to encode REQ: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		conn.Close()
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("failed to send REQ: %w", err)
	}

	log.Info().
		Str("endpoint", endpoint).
		Str("sub", f.ID).
		Ints("kinds", f.Kinds).
		Int("authors", len(f.Authors)).
		Msg("relay: subscribed")
	return conn, nil
}

func (c *Client) wireFilter(f moderation.Filter) wireFilter {
	wf := wireFilter{Kinds: f.Kinds, Authors: f.Authors}
	if !f.Since.IsZero() {
		since := f.Since.Add(-c.config.SinceRewind).Unix()
		if since > 0 {
			wf.Since = since
		}
	}
	return wf
}

// keepalive pings the relay until done, and on cancellation sends CLOSE and
// tears the connection down so the blocked reader returns.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, subID string, done <-chan struct{}) {
	interval := c.config.ReadTimeout / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			conn.Close()
			return
		case <-ctx.Done():
			if msg, err := json.Marshal([]any{"CLOSE", subID}); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, msg)
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Str("sub", subID).Msg("relay: ping failed")
			}
		}
	}
}

func (c *Client) decompress(data []byte) ([]byte, error) {
	// Zstd compressed data starts with magic number 0x28 0xB5 0x2F 0xFD
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		decompressed, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress message: %w", err)
		}
		return decompressed, nil
	}
	return data, nil
}

// processMessage handles one relay message. It returns a non-empty reason
// when the relay closed the subscription.
func (c *Client) processMessage(endpoint, subID string, data []byte, deliver func(events.Event)) (string, error) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Log the first few bytes for debugging
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return "", fmt.Errorf("failed to unmarshal message (first bytes: %q): %w", preview, err)
	}
	if len(msg) == 0 {
		return "", errors.New("empty message")
	}

	var typ string
	if err := json.Unmarshal(msg[0], &typ); err != nil {
		return "", fmt.Errorf("invalid message type: %w", err)
	}
	str := func(i int) string {
		if i >= len(msg) {
			return ""
		}
		var s string
		_ = json.Unmarshal(msg[i], &s)
		return s
	}

	switch typ {
	case "EVENT":
		if len(msg) < 3 || str(1) != subID {
			return "", nil
		}
		var evt events.Event
		if err := json.Unmarshal(msg[2], &evt); err != nil {
			return "", fmt.Errorf("failed to unmarshal event: %w", err)
		}
		c.eventsReceived.Add(1)
		metrics.RelayEventsTotal.WithLabelValues(strconv.Itoa(evt.Kind)).Inc()

		log.Debug().
			Str("id", evt.ID).
			Str("pubkey", evt.PubKey).
			Int("kind", evt.Kind).
			Msg("relay: received event")
		deliver(evt)

	case "EOSE":
		if str(1) == subID {
			log.Debug().Str("endpoint", endpoint).Str("sub", subID).Msg("relay: end of stored events")
		}

	case "CLOSED":
		if str(1) == subID {
			reason := str(2)
			if reason == "" {
				reason = "no reason given"
			}
			return reason, nil
		}

	case "NOTICE":
		log.Info().Str("endpoint", endpoint).Str("notice", str(1)).Msg("relay: notice")
	}

	return "", nil
}
