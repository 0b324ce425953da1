package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"liqflow/config"
	liq "liqflow/internal/channel/liq"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/internal/normalizer"
	"liqflow/logger"
)

// State is the lifecycle of a FeedConnection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("feed connection already running")
	// ErrClosed is returned by WaitConnected when Close wins the race.
	ErrClosed = errors.New("feed connection closed")
)

const writeWait = 5 * time.Second

type Option func(*FeedConnection)

// WithURL overrides both the configured and the stream default URL.
func WithURL(url string) Option {
	return func(f *FeedConnection) { f.url = url }
}

// WithSymbol sets the symbol stamped on every raw message.
func WithSymbol(symbol string) Option {
	return func(f *FeedConnection) { f.symbol = symbol }
}

// WithDialer replaces the websocket dialer. The handshake timeout from the
// config is applied on top of it.
func WithDialer(d *websocket.Dialer) Option {
	return func(f *FeedConnection) { f.dialer = d }
}

// OnStateChange registers a callback for every transition. It runs on the
// connection goroutine and must not block.
func OnStateChange(fn func(from, to State)) Option {
	return func(f *FeedConnection) { f.onState = fn }
}

// FeedConnection owns one websocket subscription and keeps it alive. Frames
// are forwarded undecoded to the raw channel; decoding happens in the
// ingestor.
type FeedConnection struct {
	cfg      config.FeedConfig
	stream   normalizer.Stream
	channels *liq.Channels
	url      string
	symbol   string
	dialer   *websocket.Dialer
	backoff  *backoff.Backoff
	onState  func(from, to State)
	onWait   func(time.Duration)

	state   atomic.Int32
	running atomic.Bool
	frames  atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once

	connected     chan struct{}
	connectedOnce sync.Once
	connectedAt   atomic.Int64

	session string
	log     *logger.Log
}

func NewFeedConnection(cfg config.FeedConfig, stream normalizer.Stream, ch *liq.Channels, opts ...Option) *FeedConnection {
	f := &FeedConnection{
		cfg:       cfg,
		stream:    stream,
		channels:  ch,
		url:       cfg.URL,
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		session:   uuid.NewString(),
		log:       logger.GetLogger(),
	}
	if f.url == "" {
		f.url = stream.DefaultURL()
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.dialer == nil {
		f.dialer = &websocket.Dialer{}
	}
	dialer := *f.dialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	f.dialer = &dialer

	f.backoff = &backoff.Backoff{
		Min:    cfg.Backoff.Initial,
		Max:    cfg.Backoff.Max,
		Factor: cfg.Backoff.Multiplier,
		Jitter: cfg.Backoff.Jitter,
	}
	metrics.ConnectionState.WithLabelValues(stream.Name()).Set(float64(StateDisconnected))
	return f
}

func (f *FeedConnection) State() State {
	return State(f.state.Load())
}

// Frames is the number of data frames forwarded since construction.
func (f *FeedConnection) Frames() int64 {
	return f.frames.Load()
}

func (f *FeedConnection) setState(to State) {
	from := State(f.state.Swap(int32(to)))
	if from == to {
		return
	}
	provider := f.stream.Name()
	metrics.ConnectionState.WithLabelValues(provider).Set(float64(to))
	if to == StateReconnecting {
		metrics.Reconnects.WithLabelValues(provider).Inc()
		metrics.EmitMetric(f.log, "feed", "feed_reconnects", 1, "counter", logger.Fields{
			"provider": provider,
			"symbol":   f.symbol,
		})
	}
	f.log.WithComponent("feed").WithFields(logger.Fields{
		"provider": provider,
		"session":  f.session,
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("feed state changed")
	if f.onState != nil {
		f.onState(from, to)
	}
}

// Run connects and reconnects until ctx is cancelled or Close is called. It
// always leaves the connection in StateClosed.
func (f *FeedConnection) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer f.setState(StateClosed)
	select {
	case <-f.done:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	log := f.log.WithComponent("feed").WithFields(logger.Fields{
		"provider": f.stream.Name(),
		"symbol":   f.symbol,
		"url":      f.url,
		"session":  f.session,
	})
	log.Info("starting feed connection")

	for ctx.Err() == nil {
		f.setState(StateConnecting)
		conn, err := f.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Warn("feed handshake failed")
			f.setState(StateReconnecting)
			if !f.wait(ctx) {
				break
			}
			continue
		}

		f.setState(StateConnected)
		f.markConnected()
		log.Info("feed connected")

		connectedAt := time.Now()
		err = f.readLoop(ctx, conn)
		if ctx.Err() != nil {
			break
		}
		// a session that drops right after the handshake keeps growing the delay
		if time.Since(connectedAt) >= f.resetAfter() {
			f.backoff.Reset()
		}
		log.WithError(err).Warn("feed connection lost")
		f.setState(StateReconnecting)
		if !f.wait(ctx) {
			break
		}
	}

	log.WithField("frames", f.frames.Load()).Info("feed connection stopped")
	return nil
}

func (f *FeedConnection) markConnected() {
	f.connectedOnce.Do(func() {
		f.connectedAt.Store(time.Now().UnixMilli())
		close(f.connected)
	})
}

// WaitConnected blocks until the first successful handshake and returns its
// time. It returns ctx's error if that never happens, and ErrClosed if the
// connection is closed first.
func (f *FeedConnection) WaitConnected(ctx context.Context) (time.Time, error) {
	select {
	case <-f.connected:
		return time.UnixMilli(f.connectedAt.Load()), nil
	case <-f.done:
		select {
		case <-f.connected:
			return time.UnixMilli(f.connectedAt.Load()), nil
		default:
		}
		return time.Time{}, ErrClosed
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// Close stops the connection. Safe to call more than once and before Run.
func (f *FeedConnection) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		f.mu.Lock()
		if f.conn != nil {
			_ = f.conn.Close()
		}
		f.mu.Unlock()
		if !f.running.Load() {
			f.setState(StateClosed)
		}
	})
}

func (f *FeedConnection) resetAfter() time.Duration {
	if f.cfg.Backoff.ResetAfter > 0 {
		return f.cfg.Backoff.ResetAfter
	}
	return f.cfg.HeartbeatTimeout
}

func (f *FeedConnection) wait(ctx context.Context) bool {
	d := f.backoff.Duration()
	if f.onWait != nil {
		f.onWait(d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (f *FeedConnection) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := f.dialer.DialContext(ctx, f.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.url, err)
	}

	for _, frame := range f.stream.SubscribeFrames() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	_ = conn.SetWriteDeadline(time.Time{})

	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	default:
	}
	f.conn = conn
	f.mu.Unlock()
	return conn, nil
}

func (f *FeedConnection) refreshDeadline(conn *websocket.Conn) {
	if f.cfg.HeartbeatTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.HeartbeatTimeout))
	}
}

func (f *FeedConnection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	sessionDone := make(chan struct{})
	defer func() {
		close(sessionDone)
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()
	}()

	f.refreshDeadline(conn)
	conn.SetPongHandler(func(string) error {
		f.refreshDeadline(conn)
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		f.refreshDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-sessionDone:
		}
	}()
	if f.cfg.PingInterval > 0 {
		go f.pingLoop(conn, sessionDone)
	}

	source := f.stream.Name()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.refreshDeadline(conn)
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		payload := make([]byte, len(data))
		copy(payload, data)
		msg := models.RawLiquidationMessage{
			Source:     source,
			Symbol:     f.symbol,
			Data:       payload,
			ReceivedAt: time.Now().UTC(),
		}
		if !f.channels.SendRaw(ctx, msg) {
			return ctx.Err()
		}
		f.frames.Add(1)
	}
}

func (f *FeedConnection) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	payload := f.stream.PingPayload()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var err error
			deadline := time.Now().Add(writeWait)
			if payload == nil {
				err = conn.WriteControl(websocket.PingMessage, nil, deadline)
			} else {
				_ = conn.SetWriteDeadline(deadline)
				err = conn.WriteMessage(websocket.TextMessage, payload)
			}
			if err != nil {
				f.log.WithComponent("feed").WithFields(logger.Fields{
					"provider": f.stream.Name(),
					"session":  f.session,
				}).WithError(err).Debug("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}
