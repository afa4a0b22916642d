package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// PriceUpdate is a single ticker tick from the websocket feed.
type PriceUpdate struct {
	Symbol    string
	Price     float64
	Timestamp int64
}

type wsToken struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		PingInterval int64  `json:"pingInterval"`
	} `json:"instanceServers"`
}

type wsMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		Price string `json:"price"`
		Time  int64  `json:"time"`
	} `json:"data"`
}

// Stream maintains a public websocket subscription to the ticker topic for a
// fixed symbol set and delivers updates on Updates(). It reconnects on read
// errors until the context is cancelled.
type Stream struct {
	client  *Client
	symbols []string
	logger  *logrus.Logger
	updates chan PriceUpdate
}

func NewStream(client *Client, symbols []string, logger *logrus.Logger) *Stream {
	return &Stream{
		client:  client,
		symbols: symbols,
		logger:  logger,
		updates: make(chan PriceUpdate, 256),
	}
}

func (s *Stream) Updates() <-chan PriceUpdate {
	return s.updates
}

// Run blocks until ctx is cancelled, reconnecting with a backoff pause after
// every connection failure.
func (s *Stream) Run(ctx context.Context) {
	defer close(s.updates)

	for {
		if err := s.connectAndRead(ctx); err != nil {
			s.logger.WithError(err).Warn("Ticker stream disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	token, err := s.fetchToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get websocket token: %w", err)
	}
	if len(token.InstanceServers) == 0 {
		return fmt.Errorf("no websocket instance servers returned")
	}

	server := token.InstanceServers[0]
	wsURL := server.Endpoint + "?token=" + token.Token

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	subMsg := map[string]interface{}{
		"id":             time.Now().UnixMilli(),
		"type":           "subscribe",
		"topic":          "/market/ticker:" + strings.Join(s.symbols, ","),
		"response":       true,
		"privateChannel": false,
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		return fmt.Errorf("subscription failed: %w", err)
	}

	s.logger.WithField("symbols", len(s.symbols)).Info("Ticker stream connected")

	pingEvery := time.Duration(server.PingInterval) * time.Millisecond
	if pingEvery <= 0 {
		pingEvery = 30 * time.Second
	}
	pinger := time.NewTicker(pingEvery)
	defer pinger.Stop()

	// The writer goroutine owns pings; the read loop below owns the conn
	// reads. Closing the conn unblocks the reader on shutdown.
	go func() {
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-pinger.C:
				ping := map[string]interface{}{"id": time.Now().UnixMilli(), "type": "ping"}
				if err := conn.WriteJSON(ping); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}

		if msg.Type != "message" || !strings.HasPrefix(msg.Topic, "/market/ticker:") {
			continue
		}

		update := PriceUpdate{
			Symbol:    strings.TrimPrefix(msg.Topic, "/market/ticker:"),
			Price:     parseFloat(msg.Data.Price),
			Timestamp: msg.Data.Time,
		}

		select {
		case s.updates <- update:
		default:
			// Drop the tick if the consumer is behind; quotes are refreshed
			// by REST on every cycle anyway.
		}
	}
}

func (s *Stream) fetchToken(ctx context.Context) (*wsToken, error) {
	if err := s.client.rateLimiter.WaitForPublic(); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	resp, err := s.client.client.R().SetContext(ctx).Post("/api/v1/bullet-public")
	if err != nil {
		return nil, err
	}

	var token wsToken
	if err := decode(resp, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}
