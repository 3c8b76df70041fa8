package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/autolang/internal/autolang"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 5 * time.Minute
)

// Listener maintains the websocket connection to the server's
// notification stream and hands every parsed container to the handler.
type Listener struct {
	baseURL string
	token   string
	handler func(*autolang.NotificationContainer)
}

// NewListener builds a listener for the server at baseURL. The handler
// runs on the read goroutine; it should only classify and enqueue.
func NewListener(baseURL, token string, handler func(*autolang.NotificationContainer)) *Listener {
	return &Listener{baseURL: baseURL, token: token, handler: handler}
}

// Run connects and reconnects with exponential backoff until the
// context is canceled.
func (l *Listener) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Notification stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// listenOnce holds a single connection open and reads until it fails.
// The server keeps the connection alive with its own notification
// traffic, so no ping frames are sent.
func (l *Listener) listenOnce(ctx context.Context) error {
	wsURL, err := l.websocketURL()
	if err != nil {
		return err
	}
	log.Debug().Msg("Connecting to notification stream")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()
	log.Info().Msg("Connected to notification stream")

	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			var envelope struct {
				NotificationContainer autolang.NotificationContainer `json:"NotificationContainer"`
			}
			if err := json.Unmarshal(message, &envelope); err != nil {
				log.Debug().Err(err).RawJSON("message", message).Msg("Unable to parse notification")
				continue
			}
			l.handler(&envelope.NotificationContainer)
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ctx.Err()
	case err := <-readErrCh:
		return err
	}
}

func (l *Listener) websocketURL() (string, error) {
	parsed, err := url.Parse(l.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/:/websockets/notifications"
	q := parsed.Query()
	q.Set("X-Plex-Token", l.token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
