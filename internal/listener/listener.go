// Package listener owns the subscription to the store's change-notification
// channel: it connects, decodes notifications and reconnects with a bounded
// retry policy when the connection is lost.
package listener

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/barcode-drop/backend/internal/scan"
)

const (
	DefaultChannel     = "barcodes"
	DefaultRetryDelay  = 5 * time.Second
	DefaultMaxAttempts = 10

	closeTimeout = 5 * time.Second
)

// ErrRetriesExhausted is returned by Run when every attempt of a reconnect
// episode failed.
const ErrRetriesExhausted = errors.ConstError("listener retries exhausted")

// State of the subscription connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Lost
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Lost:
		return "lost"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Notification outcomes reported to the Observer.
const (
	OutcomeInsert    = "insert"
	OutcomeDelete    = "delete"
	OutcomeEmpty     = "empty"
	OutcomeMalformed = "malformed"
	OutcomeUnknown   = "unknown"
	OutcomePanic     = "handler_panic"
)

// Handler receives decoded events, one at a time, in notification order.
type Handler interface {
	Handle(ev scan.ChangeEvent)
}

// Observer is told about state transitions, connect attempts and
// notification outcomes.
type Observer interface {
	StateChanged(State)
	ConnectAttempt(err error)
	NotificationHandled(outcome string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)         {}
func (nopObserver) ConnectAttempt(error)       {}
func (nopObserver) NotificationHandled(string) {}

// Logger is the subset of loggo.Logger the listener writes to.
type Logger interface {
	Debugf(string, ...any)
	Infof(string, ...any)
	Errorf(string, ...any)
	Criticalf(string, ...any)
}

// Config holds the listener's dependencies and retry policy.
type Config struct {
	Channel     string
	Dial        DialFunc
	Handler     Handler
	Clock       clock.Clock
	Logger      Logger
	Observer    Observer
	RetryDelay  time.Duration
	MaxAttempts int
}

// Validate checks the required fields. Zero-valued optional fields are
// filled in by New.
func (c Config) Validate() error {
	if c.Dial == nil {
		return errors.NotValidf("nil Dial")
	}
	if c.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if c.RetryDelay < 0 {
		return errors.NotValidf("negative RetryDelay")
	}
	if c.MaxAttempts < 0 {
		return errors.NotValidf("negative MaxAttempts")
	}
	return nil
}

// Listener holds at most one subscription connection at a time.
type Listener struct {
	cfg Config

	mu    sync.Mutex
	state State
}

func New(cfg Config) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = loggo.GetLogger("barcodedrop.listener")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Listener{cfg: cfg, state: Disconnected}, nil
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed {
		l.cfg.Observer.StateChanged(s)
	}
}

// Run connects immediately and keeps the subscription alive until ctx is
// cancelled, in which case it returns nil. Each connection loss starts a new
// episode of at most MaxAttempts sequential attempts spaced RetryDelay
// apart. If an episode is exhausted Run logs at critical severity, enters
// Failed and returns ErrRetriesExhausted.
func (l *Listener) Run(ctx context.Context) error {
	var delay time.Duration
	for {
		conn, err := l.connect(ctx, delay)
		if err != nil {
			if ctx.Err() != nil {
				l.setState(Disconnected)
				return nil
			}
			l.setState(Failed)
			l.cfg.Logger.Criticalf("connection to channel %q lost permanently after %d attempts: %v",
				l.cfg.Channel, l.cfg.MaxAttempts, err)
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		l.cfg.Logger.Infof("listening on channel %q", l.cfg.Channel)

		err = l.receive(ctx, conn)
		l.close(conn)
		if ctx.Err() != nil {
			l.setState(Disconnected)
			return nil
		}
		l.setState(Lost)
		l.cfg.Logger.Errorf("connectivity problem on channel %q: %v", l.cfg.Channel, err)
		delay = l.cfg.RetryDelay
	}
}

// connect runs one retry episode. The first attempt waits firstDelay, later
// ones RetryDelay. Attempts never overlap.
func (l *Listener) connect(ctx context.Context, firstDelay time.Duration) (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		wait := l.cfg.RetryDelay
		if attempt == 1 {
			wait = firstDelay
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-l.cfg.Clock.After(wait):
			}
		}

		l.setState(Connecting)
		conn, err := l.subscribe(ctx)
		l.cfg.Observer.ConnectAttempt(err)
		if err == nil {
			l.setState(Subscribed)
			if attempt > 1 {
				l.cfg.Logger.Infof("reconnected to channel %q after %d attempts", l.cfg.Channel, attempt)
			}
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		l.setState(Disconnected)
		l.cfg.Logger.Errorf("connect attempt %d/%d to channel %q failed: %v",
			attempt, l.cfg.MaxAttempts, l.cfg.Channel, err)
	}
	return nil, lastErr
}

func (l *Listener) subscribe(ctx context.Context) (Conn, error) {
	conn, err := l.cfg.Dial(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "dial")
	}
	if err := conn.Listen(ctx, l.cfg.Channel); err != nil {
		l.close(conn)
		return nil, errors.Annotatef(err, "listen %q", l.cfg.Channel)
	}
	return conn, nil
}

func (l *Listener) close(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		l.cfg.Logger.Debugf("closing notification connection: %v", err)
	}
}

// receive dispatches notifications until the connection fails or ctx ends.
func (l *Listener) receive(ctx context.Context, conn Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(n.Payload)
	}
}

// dispatch decodes one payload and hands it to the handler. Bad payloads and
// handler panics are logged and dropped so the stream keeps flowing.
func (l *Listener) dispatch(payload string) {
	l.cfg.Logger.Debugf("received payload %s", payload)

	if strings.TrimSpace(payload) == "" {
		l.cfg.Logger.Errorf("discarding notification with empty payload")
		l.cfg.Observer.NotificationHandled(OutcomeEmpty)
		return
	}

	ev, err := scan.Decode(payload)
	if err != nil {
		outcome := OutcomeMalformed
		if errors.Is(err, errors.NotSupported) {
			outcome = OutcomeUnknown
		}
		l.cfg.Logger.Errorf("discarding notification: %v", err)
		l.cfg.Observer.NotificationHandled(outcome)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.cfg.Logger.Errorf("handler panicked on %s notification: %v", ev.Kind, r)
			l.cfg.Observer.NotificationHandled(OutcomePanic)
		}
	}()
	l.cfg.Handler.Handle(ev)
	l.cfg.Observer.NotificationHandled(string(ev.Kind))
}
