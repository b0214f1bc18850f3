package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/room4-2/uirelay/messages"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	conn   *Connection
	client *fakeClient
	up     *fakeUpstream
	opener *opener
	errCh  chan error
	cancel context.CancelFunc
}

// startConnection runs a connection over fakes. Each setup func may adjust the
// fakes or the options before the connection is built.
func startConnection(t *testing.T, openErr error, setup ...func(h *harness, opts *Options)) *harness {
	t.Helper()

	h := &harness{
		client: newFakeClient(),
		up:     newFakeUpstream(),
		errCh:  make(chan error, 1),
	}
	h.opener = &opener{upstream: h.up, err: openErr}
	opts := Options{
		ID:           "test-conn",
		RemoteAddr:   "127.0.0.1:50000",
		Open:         h.opener.open,
		WriteTimeout: time.Second,
	}
	for _, fn := range setup {
		fn(h, &opts)
	}
	h.conn = NewConnection(h.client, opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() { h.errCh <- h.conn.Run(ctx) }()
	return h
}

// startActive waits until both readiness acks were written
func startActive(t *testing.T) *harness {
	t.Helper()
	h := startConnection(t, nil)
	h.waitWrites(t, 2)
	require.Eventually(t, func() bool { return h.conn.State() == StateActive }, waitFor, time.Millisecond)
	return h
}

func (h *harness) waitWrites(t *testing.T, n int) []recordedWrite {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.client.dataWrites()) >= n }, waitFor, time.Millisecond,
		"expected %d writes, got %d", n, len(h.client.dataWrites()))
	return h.client.dataWrites()
}

func (h *harness) waitRun(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(waitFor):
		t.Fatal("connection did not shut down in time")
		return nil
	}
}

func (h *harness) waitFrame(t *testing.T) messages.UpstreamFrame {
	t.Helper()
	select {
	case f := <-h.up.sent:
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame reached the upstream session")
		return messages.UpstreamFrame{}
	}
}

func TestConnection_HandshakeAcks(t *testing.T) {
	h := startActive(t)

	writes := h.client.dataWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, websocket.TextMessage, writes[0].messageType)
	assert.JSONEq(t, `{"type":"server_ready","status":"connected"}`, string(writes[0].data))
	assert.JSONEq(t, `{"type":"gemini_ready","status":"ready"}`, string(writes[1].data))
	assert.Equal(t, 1, h.opener.count())

	h.client.hangUp()
	require.NoError(t, h.waitRun(t))
	assert.Equal(t, StateClosed, h.conn.State())
}

func TestConnection_ForwardsAudioFrame(t *testing.T) {
	h := startActive(t)

	h.client.sendText(`{"type":"audio_stream","payload":"AQID"}`)

	frame := h.waitFrame(t)
	assert.Equal(t, messages.UpstreamFrame{MIMEType: "audio/pcm", Data: []byte{0x01, 0x02, 0x03}}, frame)
}

func TestConnection_BadMessagesAreNonFatal(t *testing.T) {
	h := startActive(t)

	h.client.sendText(`{"type":"connection_test"}`)
	h.client.sendText(`{not json`)
	h.client.sendText(`{"type":"audio_stream"}`)
	h.client.sendText(`{"type":"audio_stream","payload":"%%%"}`)
	h.client.sendText(`{"type":"hologram_stream","payload":"AQID"}`)
	h.client.reads <- clientRead{messageType: websocket.BinaryMessage, data: []byte{1, 2}}
	h.client.sendText(`{"type":"video_stream","payload":"/9j/"}`)

	frame := h.waitFrame(t)
	assert.Equal(t, "image/jpeg", frame.MIMEType)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, frame.Data)
	assert.Len(t, h.up.sentFrames(), 1, "only the valid frame is forwarded")
	assert.Equal(t, StateActive, h.conn.State())
}

func TestConnection_PreservesInboundOrder(t *testing.T) {
	h := startActive(t)

	payloads := []string{"AQ==", "Ag==", "Aw==", "BA==", "BQ=="}
	for _, p := range payloads {
		h.client.sendText(`{"type":"audio_stream","payload":"` + p + `"}`)
	}
	for i := range payloads {
		frame := h.waitFrame(t)
		assert.Equal(t, []byte{byte(i + 1)}, frame.Data)
	}
}

func TestConnection_OutboundAudioAndUICommand(t *testing.T) {
	h := startActive(t)

	h.up.events <- messages.AudioChunk{Data: []byte{0x10, 0x20}}
	h.up.events <- messages.TextChunk{Text: "debug text"}
	h.up.events <- messages.ToolCall{Parts: []messages.ToolCallPart{
		{Name: "update_ui", Args: map[string]string{"action": "add", "component_id": "c1"}},
		{Name: "something_else", Args: map[string]string{"action": "add"}},
	}}
	h.up.events <- nil // turn complete
	h.up.events <- messages.AudioChunk{Data: []byte{0x30}}

	writes := h.waitWrites(t, 5)
	require.Len(t, writes, 5)

	assert.Equal(t, websocket.BinaryMessage, writes[2].messageType)
	assert.Equal(t, []byte{0x10, 0x20}, writes[2].data)

	assert.Equal(t, websocket.TextMessage, writes[3].messageType)
	assert.Equal(t, `{"type":"ui_command","action":"add","component_id":"c1","component_type":"","data":"{}"}`, string(writes[3].data))

	assert.Equal(t, websocket.BinaryMessage, writes[4].messageType)
	assert.Equal(t, []byte{0x30}, writes[4].data)
}

func TestConnection_ClientDisconnectCancelsOutbound(t *testing.T) {
	h := startActive(t)

	h.client.hangUp()
	require.NoError(t, h.waitRun(t))

	select {
	case <-h.up.turnCancelled:
	default:
		t.Fatal("outbound forwarder was not cancelled")
	}
	assert.Equal(t, 1, h.up.closeCount())
	assert.Equal(t, 1, h.client.closeCount())
	assert.Equal(t, StateClosed, h.conn.State())
}

func TestConnection_UpstreamEndCancelsInbound(t *testing.T) {
	h := startActive(t)

	close(h.up.events)
	err := h.waitRun(t)
	assert.ErrorIs(t, err, ErrUpstreamEnded)
	assert.ErrorIs(t, err, errUpstreamGone)

	select {
	case <-h.client.deadlineHit:
	default:
		t.Fatal("inbound forwarder read was not interrupted")
	}
	assert.Equal(t, 1, h.up.closeCount())
	assert.Equal(t, 1, h.client.closeCount())
}

func TestConnection_UpstreamSendFailureEndsConnection(t *testing.T) {
	h := startActive(t)
	h.up.mu.Lock()
	h.up.sendErr = errUpstreamGone
	h.up.mu.Unlock()

	h.client.sendText(`{"type":"audio_stream","payload":"AQID"}`)
	err := h.waitRun(t)
	assert.ErrorIs(t, err, ErrUpstreamEnded)

	select {
	case <-h.up.turnCancelled:
	default:
		t.Fatal("outbound forwarder was not cancelled")
	}
	assert.Equal(t, 1, h.up.closeCount())
}

func TestConnection_ClientWriteFailureEndsConnection(t *testing.T) {
	h := startActive(t)
	h.client.setWriteErr(errConnClosed)

	h.up.events <- messages.AudioChunk{Data: []byte{0x01}}
	require.NoError(t, h.waitRun(t), "a vanished client is a normal end")

	select {
	case <-h.client.deadlineHit:
	default:
		t.Fatal("inbound forwarder read was not interrupted")
	}
	assert.Equal(t, 1, h.up.closeCount())
}

func TestConnection_OpenFailure(t *testing.T) {
	cause := errors.New("model unavailable")
	h := startConnection(t, cause)

	err := h.waitRun(t)
	assert.ErrorIs(t, err, ErrUpstreamOpen)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, h.opener.count())

	writes := h.client.dataWrites()
	require.Len(t, writes, 2)
	assert.JSONEq(t, `{"type":"server_ready","status":"connected"}`, string(writes[0].data))
	assert.Contains(t, string(writes[1].data), `"type":"error"`)

	// forwarders never ran
	select {
	case <-h.up.turnCancelled:
		t.Fatal("outbound forwarder should not have started")
	default:
	}
	assert.Equal(t, 0, h.up.closeCount())
	assert.Equal(t, 1, h.client.closeCount())
	assert.Equal(t, StateClosed, h.conn.State())
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	h := startActive(t)
	h.client.hangUp()
	require.NoError(t, h.waitRun(t))

	require.NoError(t, h.conn.Close())
	require.NoError(t, h.conn.Close())
	assert.Equal(t, 1, h.up.closeCount())
	assert.Equal(t, 1, h.client.closeCount())
}

func TestConnection_CloseWhileActive(t *testing.T) {
	h := startActive(t)

	require.NoError(t, h.conn.Close())
	assert.Equal(t, StateClosed, h.conn.State())
	assert.Equal(t, 1, h.up.closeCount(), "upstream closed once forwarders stopped")

	err := h.waitRun(t)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 1, h.client.closeCount())
}

func TestConnection_CloseDuringHandshake(t *testing.T) {
	closed := make(chan struct{})
	h := startConnection(t, nil, func(h *harness, _ *Options) {
		h.client.writeDelay = 20 * time.Millisecond
		h.opener.onOpen = func() {
			go func() {
				_ = h.conn.Close()
				close(closed)
			}()
		}
	})

	err := h.waitRun(t)
	if err != nil {
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}

	assert.False(t, h.client.overlapped.Load(), "handshake write overlapped the close frame")
	assert.Equal(t, 1, h.up.closeCount())
	assert.Equal(t, 1, h.client.closeCount())
	assert.Equal(t, StateClosed, h.conn.State())
}

func TestConnection_ShutdownCancelsBothForwarders(t *testing.T) {
	h := startActive(t)

	h.cancel()
	err := h.waitRun(t)
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-h.up.turnCancelled:
	default:
		t.Fatal("outbound forwarder was not cancelled")
	}
	select {
	case <-h.client.deadlineHit:
	default:
		t.Fatal("inbound forwarder read was not interrupted")
	}
	assert.Equal(t, 1, h.up.closeCount())
}

func TestConnection_ForwarderPanicTearsDown(t *testing.T) {
	h := startActive(t)
	h.up.mu.Lock()
	h.up.sendPanics = true
	h.up.mu.Unlock()

	h.client.sendText(`{"type":"audio_stream","payload":"AQID"}`)
	err := h.waitRun(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, 1, h.up.closeCount())
	assert.Equal(t, 1, h.client.closeCount())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "accepting", StateAccepting.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "client_closed", resultLabel(nil))
	assert.Equal(t, "client_closed", resultLabel(ErrClientClosed))
	assert.Equal(t, "connect_failed", resultLabel(ErrUpstreamOpen))
	assert.Equal(t, "upstream_closed", resultLabel(ErrUpstreamEnded))
	assert.Equal(t, "shutdown", resultLabel(context.Canceled))
	assert.Equal(t, "error", resultLabel(errors.New("x")))
}
