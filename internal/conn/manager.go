// Package conn owns the WebSocket connection to the chat backend and reconnects it.
package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/observer"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBufSize    = 64
)

var (
	// ErrGaveUp is reported once MaxAttempts consecutive dials have failed.
	ErrGaveUp = errors.New("reconnect attempts exhausted")
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("not connected")
	// ErrSendBufferFull is returned when the outgoing queue is saturated.
	ErrSendBufferFull = errors.New("send buffer full")
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// StateChange is delivered to OnStateChange subscribers on every transition.
// Err carries the cause of a drop or ErrGaveUp.
type StateChange struct {
	State   State
	Err     error
	Attempt int
}

type Options struct {
	URL   string
	Token string

	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int

	Dialer *websocket.Dialer
}

// Manager keeps one backend connection alive.
// Lifecycle: NewManager -> Connect(ctx) -> [dial, readPump/writePump, backoff]* -> Disconnect.
type Manager struct {
	opts Options

	mu     sync.Mutex
	state  State
	out    chan any
	cancel context.CancelFunc
	done   chan struct{}

	states observer.Subject[StateChange]
	frames observer.Subject[[]byte]
}

func NewManager(opts Options) *Manager {
	if opts.Initial <= 0 {
		opts.Initial = 500 * time.Millisecond
	}
	if opts.Max <= 0 {
		opts.Max = 30 * time.Second
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = 0.2
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = 10 * time.Second
		opts.Dialer = &d
	}
	return &Manager{opts: opts}
}

// OnStateChange subscribes to transitions.
func (m *Manager) OnStateChange(fn func(StateChange)) (dispose func()) {
	return m.states.Subscribe(fn)
}

// OnFrame subscribes to raw inbound frames. fn runs on the read goroutine.
func (m *Manager) OnFrame(fn func([]byte)) (dispose func()) {
	return m.frames.Subscribe(fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State, err error, attempt int) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.ConnState.Set(float64(s))
	m.states.Publish(StateChange{State: s, Err: err, Attempt: attempt})
}

// Connect starts the connection loop in the background. Calling it while running is a no-op.
// The loop ends on Disconnect, on ctx cancellation, or with ErrGaveUp.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(ctx)
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		cancel()
	}()
}

// Disconnect closes the connection, stops reconnecting and waits for the loop to exit.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.Initial
	b.MaxInterval = m.opts.Max
	b.Multiplier = m.opts.Multiplier
	b.RandomizationFactor = m.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) run(ctx context.Context) {
	b := m.newBackOff()
	attempt := 0
	for {
		m.setState(Connecting, nil, attempt)
		c, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(Disconnected, nil, attempt)
				return
			}
			attempt++
			if m.opts.MaxAttempts > 0 && attempt >= m.opts.MaxAttempts {
				logger.Errorf("ws dial %s: giving up after %d attempts: %v", m.opts.URL, attempt, err)
				m.setState(Disconnected, fmt.Errorf("%w: %v", ErrGaveUp, err), attempt)
				return
			}
			logger.Errorf("ws dial %s attempt=%d: %v", m.opts.URL, attempt, err)
			m.setState(Disconnected, err, attempt)
			if !sleep(ctx, b.NextBackOff()) {
				m.setState(Disconnected, nil, attempt)
				return
			}
			metrics.ReconnectAttempts.Inc()
			continue
		}

		b.Reset()
		attempt = 0
		m.mu.Lock()
		m.out = make(chan any, sendBufSize)
		out := m.out
		m.mu.Unlock()

		logger.Infof("ws connected %s", m.opts.URL)
		m.setState(Connected, nil, 0)
		err = m.serve(ctx, c, out)

		m.mu.Lock()
		m.out = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			m.setState(Disconnected, nil, 0)
			return
		}
		logger.Errorf("ws connection lost: %v", err)
		m.setState(Disconnected, err, 0)
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
		metrics.ReconnectAttempts.Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	c, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("conn.dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("conn.dial: %w", err)
	}
	return c, nil
}

// serve runs both pumps on c until either fails or ctx is cancelled and returns the read error.
func (m *Manager) serve(ctx context.Context, c *websocket.Conn, out chan any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var readErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		m.writePump(ctx, c, out)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		readErr = m.readPump(c)
	}()

	<-ctx.Done()
	c.Close()
	wg.Wait()
	return readErr
}

// readPump reads frames until the connection fails.
func (m *Manager) readPump(c *websocket.Conn) error {
	c.SetReadLimit(maxMessageSize)
	if err := c.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return err
		}
		metrics.FramesReceived.Inc()
		m.frames.Publish(raw)
	}
}

// writePump writes queued values as JSON and pings the backend.
func (m *Manager) writePump(ctx context.Context, c *websocket.Conn, out chan any) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.SetWriteDeadline(time.Now().Add(writeWait))
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case v := <-out:
			if err := c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline: %v", err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(v); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error: %v", err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := c.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues v for the backend. It never blocks.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.out == nil {
		return ErrNotConnected
	}
	select {
	case m.out <- v:
		return nil
	default:
		return ErrSendBufferFull
	}
}
