package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Endpoint derives the websocket url for a service domain.
func Endpoint(domain string) string {
	return fmt.Sprintf("wss://%s/ws", domain)
}

// clientIDFrame is the post-connect handshake; no reply is awaited.
type clientIDFrame struct {
	MessageType string `json:"messageType"`
	Value       string `json:"value"`
}

// Subscriber maintains the filtered websocket subscription and feeds
// decoded events to the pipeline. One Subscriber owns one connection
// at a time; handler invocations are serialized on its loop.
type Subscriber struct {
	endpoint string
	token    string
	filter   FilterDoc
	pipeline *Pipeline
	dialer   *websocket.Dialer
	header   http.Header
}

// Config assembles a Subscriber.
type Config struct {
	Token    string
	Endpoint string // defaults to the production endpoint
	Filter   Prefilter
	Handlers []Handler

	// ExtraHeaders are merged into the dial headers.
	ExtraHeaders http.Header

	// Dialer overrides the websocket dialer, mainly for tests. The
	// default uses the system trust store.
	Dialer *websocket.Dialer
}

// NewSubscriber builds a subscriber; Run starts it.
func NewSubscriber(cfg Config) *Subscriber {
	if cfg.Endpoint == "" {
		cfg.Endpoint = Endpoint("hypothes.is")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, vs := range cfg.ExtraHeaders {
		header[k] = vs
	}
	header.Set("Authorization", "Bearer "+cfg.Token)
	return &Subscriber{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		filter:   cfg.Filter.Export(),
		pipeline: NewPipeline(cfg.Handlers...),
		dialer:   cfg.Dialer,
		header:   header,
	}
}

// Run connects and streams until ctx is cancelled. A closed or reset
// connection reconnects immediately, re-installing the filters; the
// subscription identity survives reconnects. Other errors propagate.
// On cancellation Run returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.runConn(ctx)
		switch {
		case err == nil:
			// server ended the stream without error; resubscribe
		case ctx.Err() != nil:
			return ctx.Err()
		case isConnectionLost(err):
			log.Warn().Err(err).Msg("websocket connection lost, reconnecting")
		default:
			return err
		}
	}
}

// runConn runs one connection: dial, client-id handshake, filter
// install, then the decode loop.
func (s *Subscriber) runConn(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, s.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial %s: status %d: %w", s.endpoint, resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial %s: %w", s.endpoint, err)
	}
	defer conn.Close()

	// The read below blocks; closing the connection from a watcher is
	// what makes it selectable against ctx.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	clientID := clientIDFrame{MessageType: "client_id", Value: uuid.NewString()}
	if err := conn.WriteJSON(clientID); err != nil {
		return fmt.Errorf("send client_id: %w", err)
	}
	log.Debug().Str("clientId", clientID.Value).Msg("websocket connected")

	if err := conn.WriteJSON(s.filter); err != nil {
		return fmt.Errorf("send filter: %w", err)
	}
	log.Info().Str("endpoint", s.endpoint).Msg("subscribed")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if ev.Type != NotificationType {
			log.Info().Str("type", ev.Type).Msg("dropping non-notification frame")
			continue
		}
		s.pipeline.Dispatch(&ev)
	}
}

// isConnectionLost classifies errors that warrant an immediate
// reconnect: the peer closed or the transport dropped.
func isConnectionLost(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
