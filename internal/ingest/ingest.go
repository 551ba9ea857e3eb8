// Package ingest implements the M2 Ingest Loop (spec §4.2): subscribes to
// the external "options" and "underlying" tick channels over WebSocket and
// dispatches decoded ticks into the aggregator. Grounded on
// clients/tradernet/websocket_client.go's dial/read/reconnect idiom.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/nsefo/sentinel/internal/aggregator"
)

const (
	dialTimeout    = 30 * time.Second
	reconnectDelay = 5 * time.Second
)

// Dispatcher is the subset of *aggregator.Aggregator the loop drives.
type Dispatcher interface {
	HandleOption(ctx context.Context, tick *aggregator.OptionTick)
	HandleUnderlying(ctx context.Context, tick *aggregator.UnderlyingTick)
	FlushAll(ctx context.Context)
}

// envelope mirrors the {"channel": ..., "payload": ...} object framing the
// tick source sends.
type envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Loop owns the WebSocket subscription and feeds Dispatcher.
type Loop struct {
	url        string
	dispatcher Dispatcher
	log        zerolog.Logger
}

// New builds a Loop pointed at the external tick source url.
func New(url string, dispatcher Dispatcher, log zerolog.Logger) *Loop {
	return &Loop{
		url:        url,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "ingest").Logger(),
	}
}

// Run blocks, reconnecting on loss, until ctx is cancelled. On cancellation
// it flushes every live bucket before returning, spec §4.2's shutdown contract.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			l.dispatcher.FlushAll(context.Background())
			return
		}

		if err := l.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				l.dispatcher.FlushAll(context.Background())
				return
			}
			l.log.Warn().Err(err).Msg("ingest connection lost, retrying")
		}

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			l.dispatcher.FlushAll(context.Background())
			return
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial tick source: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := l.subscribe(ctx, conn); err != nil {
		return fmt.Errorf("subscribe to tick channels: %w", err)
	}

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read tick message: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		l.handleMessage(ctx, data)
	}
}

func (l *Loop) subscribe(ctx context.Context, conn *websocket.Conn) error {
	msg, err := json.Marshal([]string{"options", "underlying"})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (l *Loop) handleMessage(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.log.Debug().Err(err).Msg("discarding malformed tick envelope")
		return
	}

	switch env.Channel {
	case "options":
		var tick aggregator.OptionTick
		if err := json.Unmarshal(env.Payload, &tick); err != nil {
			l.log.Debug().Err(err).Msg("discarding malformed option tick")
			return
		}
		l.dispatcher.HandleOption(ctx, &tick)
	case "underlying":
		var tick aggregator.UnderlyingTick
		if err := json.Unmarshal(env.Payload, &tick); err != nil {
			l.log.Debug().Err(err).Msg("discarding malformed underlying tick")
			return
		}
		l.dispatcher.HandleUnderlying(ctx, &tick)
	default:
		l.log.Debug().Str("channel", env.Channel).Msg("ignoring unknown tick channel")
	}
}
