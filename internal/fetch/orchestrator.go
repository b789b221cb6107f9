// Package fetch drives one fetch run: connect, ask the channel for the
// resource, wait for a matching offer, disconnect.
package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dccfetch/dccfetch/internal/config"
	"github.com/dccfetch/dccfetch/internal/events"
	"github.com/dccfetch/dccfetch/internal/irc"
	"github.com/dccfetch/dccfetch/internal/session"
	"github.com/dccfetch/dccfetch/internal/transfer"
)

// Timings are the fixed time budgets of a run.
type Timings struct {
	ConnectTimeout time.Duration
	GracePeriod    time.Duration
	PollInterval   time.Duration
	MaxPolls       int
}

func TimingsFrom(cfg config.FetchConfig) Timings {
	return Timings{
		ConnectTimeout: cfg.ConnectTimeout,
		GracePeriod:    cfg.GracePeriod,
		PollInterval:   cfg.PollInterval,
		MaxPolls:       cfg.MaxPolls,
	}
}

// Reasons a run ended.
const (
	ReasonAccepted      = "accepted"
	ReasonTimeout       = "timeout"
	ReasonConnectFailed = "connect failed"
	ReasonRequestFailed = "request failed"
	ReasonCancelled     = "cancelled"
)

const (
	connectionUnresolved = "unresolved"
	quitExecuted         = "executed"
	flushTimeout         = 5 * time.Second
	offerDrainTimeout    = 30 * time.Second
)

// Result summarizes a finished run.
type Result struct {
	Status   session.FetchStatus
	Reason   string
	Polls    int
	Accepted *session.AcceptedFile
}

type flusher interface {
	Flush(ctx context.Context) error
}

type Orchestrator struct {
	session *session.Session
	factory irc.Factory
	timings Timings
	logger  *zap.Logger

	offers       offerTracker
	drainTimeout time.Duration
}

func New(s *session.Session, factory irc.Factory, timings Timings, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		session: s,
		factory: factory,
		timings: timings,
		logger:  logger.Named("fetch").With(zap.String("run", s.ID)),

		drainTimeout: offerDrainTimeout,
	}
}

// Run executes the fetch. Failures are reported as events and reflected in
// the result; Run itself never fails. Cancelling ctx ends the run at the
// next wait, which still disconnects.
func (o *Orchestrator) Run(ctx context.Context) Result {
	s := o.session
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Emit(events.TypeFetchStatus, s.Status())

	client := o.factory(s.Conn, o.handlers(runCtx))
	res := o.fetch(runCtx, client)

	// An accepted offer is still being copied when polling sees it. Offers
	// that lost the run are aborted.
	if res.Status != session.Completed {
		cancel()
	}
	if !o.offers.close(o.drainTimeout) {
		o.logger.Warn("offer handling still running", zap.Duration("waited", o.drainTimeout))
	}

	if res.Status == session.Completed {
		s.Advance(session.Completed)
	} else {
		s.Advance(session.Failed)
	}
	res.Status = s.Status()
	res.Accepted = s.Accepted()
	s.Emit(events.TypeFetchStatus, res.Status)
	o.logger.Info("fetch finished",
		zap.Stringer("status", res.Status),
		zap.String("reason", res.Reason),
		zap.Int("polls", res.Polls))

	o.quit(client)
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, client irc.Client) Result {
	s := o.session

	if !o.connect(ctx, client) {
		return Result{Status: session.Failed, Reason: ReasonConnectFailed}
	}

	if err := sleep(ctx, o.timings.GracePeriod); err != nil {
		return Result{Status: session.Failed, Reason: ReasonCancelled}
	}

	channel := s.Conn.Channel
	if err := client.Privmsg(channel, s.Request); err != nil {
		o.logger.Error("sending request failed", zap.Error(err))
		s.Emit(events.TypeConnectionError, err.Error())
		return Result{Status: session.Failed, Reason: ReasonRequestFailed}
	}
	s.Emit(events.TypeMessageOut, map[string]any{
		"message": s.Request,
		"channel": channel,
	})
	s.Advance(session.Fetching)
	s.Emit(events.TypeFetchStatus, s.Status())

	polls, err := o.poll(ctx)
	switch {
	case err != nil:
		return Result{Status: session.Failed, Reason: ReasonCancelled, Polls: polls}
	case s.Accepted() != nil:
		return Result{Status: session.Completed, Reason: ReasonAccepted, Polls: polls}
	default:
		return Result{Status: session.Failed, Reason: ReasonTimeout, Polls: polls}
	}
}

// connect reports whether the client connected within the connect budget.
func (o *Orchestrator) connect(ctx context.Context, client irc.Client) bool {
	s := o.session
	cctx, cancel := context.WithTimeout(ctx, o.timings.ConnectTimeout)
	defer cancel()

	// The client may not honour ctx; the budget is enforced here as well.
	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(cctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-cctx.Done():
		err = cctx.Err()
	}

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		o.logger.Warn("connection unresolved", zap.Duration("timeout", o.timings.ConnectTimeout))
		s.Emit(events.TypeConnectionStatus, connectionUnresolved)
	default:
		o.logger.Error("connection failed", zap.Error(err))
		s.Emit(events.TypeConnectionError, err.Error())
	}

	connected := err == nil && client.Connected()
	s.Emit(events.TypeBotStatus, connected)
	return connected
}

// poll checks for an accepted transfer once per tick until one is found or
// the poll budget is spent. It returns the number of ticks waited.
func (o *Orchestrator) poll(ctx context.Context) (int, error) {
	s := o.session
	timer := time.NewTimer(o.timings.PollInterval)
	defer timer.Stop()

	for n := 0; ; n++ {
		accepted := s.Accepted() != nil
		if accepted || n == o.timings.MaxPolls {
			return n, nil
		}
		elapsed := time.Duration(n) * o.timings.PollInterval
		s.Emit(events.TypePoll, map[string]any{
			"elapsed": int(elapsed / time.Second),
			"status":  accepted,
		})

		timer.Reset(o.timings.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}

// quit disconnects and waits until the quit event has been consumed, so it
// is not lost if the process exits right after.
func (o *Orchestrator) quit(client irc.Client) {
	s := o.session
	if err := client.Quit(); err != nil {
		o.logger.Warn("quit failed", zap.Error(err))
		s.Emit(events.TypeCloseError, err.Error())
	} else {
		s.Emit(events.TypeServerQuit, quitExecuted)
	}

	f, ok := s.Events.(flusher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := f.Flush(ctx); err != nil {
		o.logger.Warn("flushing events failed", zap.Error(err))
	}
}

func (o *Orchestrator) handlers(ctx context.Context) irc.Handlers {
	s := o.session
	handler := transfer.New(s, o.logger)
	return irc.Handlers{
		OnMessage: func(m irc.Message) {
			s.Emit(events.TypeMessage, m)
		},
		OnChannelMessage: func(m irc.Message) {
			s.Emit(events.TypeChannelMessage, m)
		},
		OnJoin: func(j irc.Join) {
			s.Emit(events.TypeJoin, j)
		},
		OnOffer: func(offer irc.Offer) {
			if !o.offers.start() {
				o.logger.Debug("ignoring offer after run ended", zap.String("file", offer.SafeFilename))
				return
			}
			defer o.offers.done()
			handler.Handle(ctx, offer)
		},
	}
}

// offerTracker counts offers being handled. Once closed it admits no more.
type offerTracker struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (t *offerTracker) start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *offerTracker) done() { t.wg.Done() }

// close stops admitting offers and waits up to timeout for the running ones.
// It reports whether they all finished.
func (t *offerTracker) close(timeout time.Duration) bool {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return true
	case <-timer.C:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
