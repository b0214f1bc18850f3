package session

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/room4-2/uirelay/messages"

	"github.com/gorilla/websocket"
)

var (
	errReadTimeout  = errors.New("i/o timeout")
	errConnClosed   = errors.New("use of closed network connection")
	errUpstreamGone = errors.New("upstream hung up")
)

type clientRead struct {
	messageType int
	data        []byte
	err         error
}

type recordedWrite struct {
	messageType int
	data        []byte
}

// fakeClient is a ClientConn driven by a channel of reads. A past read
// deadline unblocks ReadMessage the way it does on a real socket.
type fakeClient struct {
	reads chan clientRead

	deadlineOnce sync.Once
	deadlineHit  chan struct{}
	closeOnce    sync.Once
	closedCh     chan struct{}

	mu       sync.Mutex
	writes   []recordedWrite
	writeErr error
	closes   int
	wrote    chan struct{}

	// writeDelay widens each write so that concurrent writers overlap
	writeDelay time.Duration
	inWrite    atomic.Int32
	overlapped atomic.Bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		reads:       make(chan clientRead, 64),
		deadlineHit: make(chan struct{}),
		closedCh:    make(chan struct{}),
		wrote:       make(chan struct{}, 256),
	}
}

func (f *fakeClient) sendText(s string) {
	f.reads <- clientRead{messageType: websocket.TextMessage, data: []byte(s)}
}

// hangUp makes the next read return a normal close frame
func (f *fakeClient) hangUp() {
	f.reads <- clientRead{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
}

func (f *fakeClient) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.reads:
		return r.messageType, r.data, r.err
	case <-f.deadlineHit:
		return 0, nil, errReadTimeout
	case <-f.closedCh:
		return 0, nil, errConnClosed
	}
}

func (f *fakeClient) WriteMessage(messageType int, data []byte) error {
	if f.inWrite.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inWrite.Add(-1)
	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return errConnClosed
	}
	if f.writeErr != nil && messageType != websocket.CloseMessage {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: append([]byte(nil), data...)})
	select {
	case f.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeClient) SetReadDeadline(t time.Time) error {
	if !t.After(time.Now()) {
		f.deadlineOnce.Do(func() { close(f.deadlineHit) })
	}
	return nil
}

func (f *fakeClient) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeClient) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeClient) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// dataWrites drops the close frame written during teardown
func (f *fakeClient) dataWrites() []recordedWrite {
	var out []recordedWrite
	for _, w := range f.snapshot() {
		if w.messageType != websocket.CloseMessage {
			out = append(out, w)
		}
	}
	return out
}

// fakeUpstream is an Upstream fed through a channel. A nil event ends the
// current turn; closing the channel ends the session.
type fakeUpstream struct {
	events chan messages.UpstreamEvent

	mu         sync.Mutex
	frames     []messages.UpstreamFrame
	closes     int
	sendErr    error
	sendPanics bool
	sent       chan messages.UpstreamFrame

	turnCancelled     chan struct{}
	turnCancelledOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events:        make(chan messages.UpstreamEvent, 64),
		sent:          make(chan messages.UpstreamFrame, 64),
		turnCancelled: make(chan struct{}),
	}
}

func (u *fakeUpstream) Send(ctx context.Context, frame messages.UpstreamFrame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendPanics {
		panic("boom")
	}
	if u.sendErr != nil {
		return u.sendErr
	}
	u.frames = append(u.frames, frame)
	u.sent <- frame
	return nil
}

func (u *fakeUpstream) Turn(ctx context.Context) iter.Seq2[messages.UpstreamEvent, error] {
	return func(yield func(messages.UpstreamEvent, error) bool) {
		for {
			select {
			case <-ctx.Done():
				u.turnCancelledOnce.Do(func() { close(u.turnCancelled) })
				yield(nil, ctx.Err())
				return
			case ev, ok := <-u.events:
				if !ok {
					yield(nil, errUpstreamGone)
					return
				}
				if ev == nil {
					return
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closes++
	return nil
}

func (u *fakeUpstream) closeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closes
}

func (u *fakeUpstream) sentFrames() []messages.UpstreamFrame {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]messages.UpstreamFrame, len(u.frames))
	copy(out, u.frames)
	return out
}

// opener counts how many upstream sessions a connection asked for
type opener struct {
	mu       sync.Mutex
	calls    int
	upstream *fakeUpstream
	err      error
	onOpen   func() // runs before open returns
}

func (o *opener) open(ctx context.Context) (Upstream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.onOpen != nil {
		o.onOpen()
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.upstream, nil
}

func (o *opener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}
