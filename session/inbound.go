package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/room4-2/uirelay/messages"
	"github.com/room4-2/uirelay/metrics"

	"github.com/gorilla/websocket"
)

// inboundForwarder relays client envelopes to the upstream session. It is the
// only reader of the client connection and the only sender on the upstream.
type inboundForwarder struct {
	conn     ClientConn
	upstream Upstream
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// run returns when the client goes away, the upstream rejects a frame or ctx
// is cancelled. Bad messages are logged and skipped.
func (f *inboundForwarder) run(ctx context.Context) error {
	for {
		messageType, data, err := f.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				f.logger.Info("👋 client closed the connection")
			} else {
				f.logger.Warn("⚠️ client read failed", "error", err)
			}
			return fmt.Errorf("%w: %w", ErrClientClosed, err)
		}

		if messageType != websocket.TextMessage {
			f.logger.Warn("⚠️ discarding non-text client frame", "bytes", len(data))
			f.metrics.DecodeError("binary_frame")
			continue
		}

		env, err := messages.DecodeClientMessage(data)
		if err != nil {
			f.logger.Warn("⚠️ discarding client message", "error", err)
			f.metrics.DecodeError(decodeReason(err))
			continue
		}
		f.metrics.ClientMessage(env.Kind.String())

		frame, ok := env.Frame()
		if !ok {
			if env.Kind == messages.KindConnectionTest {
				f.logger.Debug("💓 connection test received")
			} else {
				f.logger.Warn("⚠️ unknown message type", "type", env.Type)
			}
			continue
		}

		if err := f.upstream.Send(ctx, frame); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %w", ErrUpstreamEnded, err)
		}
		f.metrics.UpstreamFrame(frame.MIMEType)
		f.logger.Debug("📤 forwarded to Gemini", "mime_type", frame.MIMEType, "bytes", len(frame.Data))
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, messages.ErrMissingPayload):
		return "missing_payload"
	case errors.Is(err, messages.ErrBadEncoding):
		return "bad_encoding"
	default:
		return "malformed"
	}
}
