package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/room4-2/uirelay/messages"
	"github.com/room4-2/uirelay/metrics"

	"github.com/gorilla/websocket"
)

// outboundForwarder relays upstream turns to the client. It is the only
// receiver on the upstream and, while running, the only client writer.
type outboundForwarder struct {
	conn         ClientConn
	upstream     Upstream
	logger       *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
}

// run consumes turn after turn until the upstream ends, a client write fails
// or ctx is cancelled.
func (f *outboundForwarder) run(ctx context.Context) error {
	for {
		for ev, err := range f.upstream.Turn(ctx) {
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				f.logger.Warn("⚠️ Gemini stream ended", "error", err)
				return fmt.Errorf("%w: %w", ErrUpstreamEnded, err)
			}

			if text, ok := ev.(messages.TextChunk); ok {
				f.logger.Debug("💬 Gemini text", "text", text.Text)
			}

			for _, msg := range messages.ClassifyUpstreamEvent(ev) {
				if err := f.write(msg); err != nil {
					return fmt.Errorf("%w: write: %w", ErrClientClosed, err)
				}
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		f.logger.Debug("✅ Gemini turn complete")
	}
}

func (f *outboundForwarder) write(msg messages.OutboundMessage) error {
	payload, err := msg.Payload()
	if err != nil {
		return err
	}

	messageType, kind := websocket.BinaryMessage, "binary"
	if msg.Kind == messages.OutboundJSON {
		messageType, kind = websocket.TextMessage, "ui_command"
		f.logger.Info("🧩 sending UI command", "action", msg.Command.Action, "component_id", msg.Command.ComponentID)
	}

	if err := f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
		return err
	}
	if err := f.conn.WriteMessage(messageType, payload); err != nil {
		return err
	}
	f.metrics.Outbound(kind)
	return nil
}
