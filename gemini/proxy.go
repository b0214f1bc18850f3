package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/room4-2/uirelay/config"
	"github.com/room4-2/uirelay/functions"
	"github.com/room4-2/uirelay/logging"
	"github.com/room4-2/uirelay/messages"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"
)

var (
	// ErrConnect is matched by every error returned from Dialer.Open
	ErrConnect = errors.New("gemini connect failed")
	// ErrSessionClosed is returned by Send and yielded by Turn once the live
	// session has ended, whether it was closed locally or by the server.
	ErrSessionClosed = errors.New("gemini session closed")
)

// ConnectError reports a failure to establish a live session
type ConnectError struct {
	Model string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Model, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}

// liveSession is the part of *genai.Session the adapter relies on
type liveSession interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Dialer opens live sessions. It is built once at startup from the process
// configuration and shared by all connections; it holds no per-session state.
type Dialer struct {
	model   string
	config  *genai.LiveConnectConfig
	connect connectFunc
	logger  *slog.Logger
}

// NewDialer creates the GenAI client used for every live session
func NewDialer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.GeminiAPIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1beta"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	connect := func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
		session, err := client.Live.Connect(ctx, model, lc)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	return newDialer(cfg, connect, logger), nil
}

func newDialer(cfg *config.Config, connect connectFunc, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dialer{
		model:   cfg.Model,
		config:  LiveConfig(cfg),
		connect: connect,
		logger:  logger,
	}
}

// Model returns the model every session is opened against
func (d *Dialer) Model() string {
	return d.model
}

// LiveConfig builds the live session configuration: audio and text responses,
// the update_ui tool, a prebuilt voice and the media resolution hint.
func LiveConfig(cfg *config.Config) *genai.LiveConnectConfig {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}

	return &genai.LiveConnectConfig{
		// TEXT is requested alongside AUDIO so tool calls come through
		ResponseModalities: []genai.Modality{genai.ModalityAudio, genai.ModalityText},
		MediaResolution:    genai.MediaResolution(cfg.MediaResolution),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: prompt},
			},
		},
		Tools: functions.Tools(),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: cfg.Voice, // Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr
				},
			},
		},
	}
}

// Open establishes one live session. The session belongs to a single client
// connection and must be closed by its owner.
func (d *Dialer) Open(ctx context.Context) (*Session, error) {
	live, err := d.connect(ctx, d.model, d.config)
	if err != nil {
		return nil, &ConnectError{Model: d.model, Err: err}
	}
	return newSession(live, d.logger), nil
}

// Session is one bidirectional live session.
//
// Send may be called by one goroutine while another ranges over Turn.
// Close may be called from any goroutine, any number of times.
type Session struct {
	live   liveSession
	logger *slog.Logger

	msgs chan *genai.LiveServerMessage
	stop chan struct{}
	done chan struct{}
	err  error // why the receive loop ended; read only after done is closed

	closeOnce sync.Once
	closed    atomic.Bool
}

func newSession(live liveSession, logger *slog.Logger) *Session {
	s := &Session{
		live:   live,
		logger: logger,
		msgs:   make(chan *genai.LiveServerMessage),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

// receiveLoop owns the blocking Receive call so that Turn can select on
// cancellation. The channel is unbuffered: nothing is lost when it exits.
func (s *Session) receiveLoop() {
	defer close(s.done)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			s.err = err
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.stop:
			s.err = errors.New("closed locally")
			return
		}
	}
}

// Send forwards one media frame as realtime input
func (s *Session) Send(ctx context.Context, frame messages.UpstreamFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}

	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: frame.MIMEType,
			Data:     frame.Data,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrSessionClosed, frame.MIMEType, err)
	}
	return nil
}

// Turn returns the events of the next model turn. The sequence ends after the
// server signals turn completion. When the session ends it yields a single
// ErrSessionClosed error; when ctx is cancelled it yields ctx.Err().
func (s *Session) Turn(ctx context.Context) iter.Seq2[messages.UpstreamEvent, error] {
	return func(yield func(messages.UpstreamEvent, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-s.done:
				yield(nil, s.closedErr())
				return
			case msg := <-s.msgs:
				events, turnComplete := s.eventsFromMessage(msg)
				for _, ev := range events {
					if !yield(ev, nil) {
						return
					}
				}
				if turnComplete {
					return
				}
			}
		}
	}
}

func (s *Session) closedErr() error {
	if s.err == nil {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, s.err)
}

// Close terminates the live session. Only the first call does anything.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		err = s.live.Close()
	})
	return err
}

func (s *Session) eventsFromMessage(msg *genai.LiveServerMessage) ([]messages.UpstreamEvent, bool) {
	if msg == nil {
		return nil, false
	}

	var events []messages.UpstreamEvent
	turnComplete := false

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					events = append(events, messages.AudioChunk{Data: part.InlineData.Data})
				}
				if part.Text != "" {
					events = append(events, messages.TextChunk{Text: part.Text})
				}
			}
		}
		if sc.Interrupted {
			s.logger.Debug("✋ Gemini generation interrupted")
		}
		turnComplete = sc.TurnComplete
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		call := messages.ToolCall{Parts: make([]messages.ToolCallPart, 0, len(tc.FunctionCalls))}
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			call.Parts = append(call.Parts, messages.ToolCallPart{
				ID:   fc.ID,
				Name: fc.Name,
				Args: stringArgs(fc.Args),
			})
		}
		events = append(events, call)
	}

	if msg.GoAway != nil {
		s.logger.Warn("⚠️ Gemini announced session shutdown (go_away)")
	}

	return events, turnComplete
}

// stringArgs flattens function call arguments to strings. Strings pass through
// unchanged; any other JSON value is re-encoded. Null arguments are dropped so
// they read as absent.
func stringArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch v := v.(type) {
		case nil:
		case string:
			out[k] = v
		default:
			b, err := sonic.ConfigStd.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprint(v)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
