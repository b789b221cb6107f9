package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dccfetch/dccfetch/internal/events"
	"github.com/dccfetch/dccfetch/internal/irc"
	"github.com/dccfetch/dccfetch/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient is a scripted protocol session.
type fakeClient struct {
	mu        sync.Mutex
	handlers  irc.Handlers
	connErr   error
	block     bool // Connect waits for ctx
	connected bool
	sent      []string
	quitErr   error
	quits     int

	// onRequest runs in its own goroutine after the request is sent,
	// standing in for the remote side.
	onRequest func(h irc.Handlers)
	wg        sync.WaitGroup
}

func (c *fakeClient) factory(_ session.ConnectionConfig, h irc.Handlers) irc.Client {
	c.handlers = h
	return c
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.connErr != nil {
		return c.connErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.handlers.OnJoin(irc.Join{Nick: "fetchbot", Channel: "#books"})
	return nil
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Privmsg(target, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, target+" "+text)
	c.mu.Unlock()
	if c.onRequest != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.onRequest(c.handlers)
		}()
	}
	return nil
}

func (c *fakeClient) Quit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quits++
	return c.quitErr
}

func testTimings() Timings {
	return Timings{
		ConnectTimeout: 200 * time.Millisecond,
		GracePeriod:    time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		MaxPolls:       30,
	}
}

func newRun(t *testing.T, c *fakeClient, timings Timings) (*Orchestrator, *session.Session, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	dir := t.TempDir()
	s := session.New("dune",
		session.ConnectionConfig{Nick: "fetchbot", Login: "fetchbot", Server: "irc.test:6667", Channel: "#books"},
		"", filepath.Join(dir, "downloads"), dir, rec)
	return New(s, c.factory, timings, nil), s, rec
}

func TestRunTimesOutAfterMaxPolls(t *testing.T) {
	c := &fakeClient{}
	o, s, rec := newRun(t, c, testTimings())

	res := o.Run(context.Background())

	assert.Equal(t, session.Failed, res.Status)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, 30, res.Polls)
	assert.Equal(t, 30, rec.Count(events.TypePoll))
	assert.Nil(t, s.Accepted())
	assert.Equal(t, []string{"#books dune"}, c.sent)
	assert.Equal(t, 1, c.quits)

	// Poll events report elapsed time in whole seconds of the budget.
	var polls []map[string]any
	for _, ev := range rec.Events() {
		if ev.Type == events.TypePoll {
			polls = append(polls, ev.Data.(map[string]any))
		}
	}
	assert.Equal(t, 0, polls[0]["elapsed"])
	assert.Equal(t, false, polls[29]["status"])
}

func TestRunEventSequence(t *testing.T) {
	c := &fakeClient{}
	timings := testTimings()
	timings.MaxPolls = 2
	o, _, rec := newRun(t, c, timings)

	o.Run(context.Background())

	assert.Equal(t, []string{
		events.TypeFetchStatus,
		events.TypeJoin,
		events.TypeBotStatus,
		events.TypeMessageOut,
		events.TypeFetchStatus,
		events.TypePoll,
		events.TypePoll,
		events.TypeFetchStatus,
		events.TypeServerQuit,
	}, rec.Types())

	evs := rec.Events()
	assert.Equal(t, session.Initialising, evs[0].Data)
	assert.Equal(t, true, evs[2].Data)
	assert.Equal(t, map[string]any{"message": "dune", "channel": "#books"}, evs[3].Data)
	assert.Equal(t, session.Fetching, evs[4].Data)
	assert.Equal(t, session.Failed, evs[7].Data)
	assert.Equal(t, "executed", evs[8].Data)
}

func TestRunAcceptsMatchingOffer(t *testing.T) {
	c := &fakeClient{}
	c.onRequest = func(h irc.Handlers) {
		time.Sleep(12 * time.Millisecond)
		h.OnOffer(irc.NewOffer("Neuromancer.epub", "Neuromancer.epub", 0, func(context.Context, io.Writer) (int64, error) {
			return 0, errors.New("must not be accepted")
		}))
		h.OnOffer(irc.NewOffer("Frank_Herbert_-_Dune.epub", "Frank Herbert - Dune.epub", 5, func(_ context.Context, w io.Writer) (int64, error) {
			n, err := io.WriteString(w, "spice")
			return int64(n), err
		}))
	}
	o, s, rec := newRun(t, c, testTimings())
	t.Cleanup(c.wg.Wait)

	res := o.Run(context.Background())

	assert.Equal(t, session.Completed, res.Status)
	assert.Equal(t, ReasonAccepted, res.Reason)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, "Frank_Herbert_-_Dune.epub", res.Accepted.Name)
	assert.Less(t, res.Polls, 30)
	assert.Equal(t, res.Polls, rec.Count(events.TypePoll))

	var transferTypes []string
	for _, typ := range rec.Types() {
		switch typ {
		case events.TypeIncomingTransfer, events.TypeUnexpectedTransfer,
			events.TypeAcceptedTransfer, events.TypeCopyResource:
			transferTypes = append(transferTypes, typ)
		}
	}
	assert.Equal(t, []string{
		events.TypeIncomingTransfer,
		events.TypeUnexpectedTransfer,
		events.TypeIncomingTransfer,
		events.TypeAcceptedTransfer,
		events.TypeCopyResource,
	}, transferTypes)

	data, err := os.ReadFile(filepath.Join(s.TransferFilePath, "Frank_Herbert_-_Dune.epub"))
	require.NoError(t, err)
	assert.Equal(t, "spice", string(data))
}

// assertEndsWithQuit checks that the run closed with its final status and
// quit events, after the event at index i.
func assertEndsWithQuit(t *testing.T, types []string, i int) {
	t.Helper()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []string{events.TypeFetchStatus, events.TypeServerQuit}, types[len(types)-2:])
	assert.GreaterOrEqual(t, i, 0)
	assert.Less(t, i, len(types)-2)
}

func TestRunReturnsAfterAcceptedFileIsCopied(t *testing.T) {
	payload := bytes.Repeat([]byte("spice"), 4<<20)
	c := &fakeClient{}
	c.onRequest = func(h irc.Handlers) {
		h.OnOffer(irc.NewOffer("dune.epub", "dune.epub", int64(len(payload)), func(_ context.Context, w io.Writer) (int64, error) {
			n, err := w.Write(payload)
			return int64(n), err
		}))
	}
	o, s, rec := newRun(t, c, testTimings())
	t.Cleanup(c.wg.Wait)

	res := o.Run(context.Background())

	require.Equal(t, session.Completed, res.Status)
	info, err := os.Stat(filepath.Join(s.TransferFilePath, "dune.epub"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())
	assert.Equal(t, 1, rec.Count(events.TypeCopyResource))

	types := rec.Types()
	assertEndsWithQuit(t, types, slices.Index(types, events.TypeCopyResource))
}

func TestRunAbortsTransferOnTimeout(t *testing.T) {
	timings := testTimings()
	timings.PollInterval = 20 * time.Millisecond
	timings.MaxPolls = 4
	c := &fakeClient{onRequest: func(h irc.Handlers) {
		h.OnOffer(irc.NewOffer("dune.epub", "dune.epub", 0, func(ctx context.Context, _ io.Writer) (int64, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}))
	}}
	o, s, rec := newRun(t, c, timings)
	t.Cleanup(c.wg.Wait)

	res := o.Run(context.Background())

	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Nil(t, s.Accepted())
	types := rec.Types()
	assertEndsWithQuit(t, types, slices.Index(types, events.TypeTransferError))
}

func TestRunBoundsWaitForOfferHandling(t *testing.T) {
	timings := testTimings()
	timings.MaxPolls = 2
	release := make(chan struct{})
	c := &fakeClient{onRequest: func(h irc.Handlers) {
		h.OnOffer(irc.NewOffer("dune.epub", "dune.epub", 0, func(context.Context, io.Writer) (int64, error) {
			<-release
			return 0, errors.New("sender went away")
		}))
	}}
	o, _, _ := newRun(t, c, timings)
	o.drainTimeout = 20 * time.Millisecond
	t.Cleanup(c.wg.Wait)
	t.Cleanup(func() { close(release) })

	start := time.Now()
	res := o.Run(context.Background())

	assert.Equal(t, session.Failed, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOffersAfterRunAreIgnored(t *testing.T) {
	timings := testTimings()
	timings.MaxPolls = 1
	c := &fakeClient{}
	o, s, rec := newRun(t, c, timings)
	o.Run(context.Background())
	before := len(rec.Events())

	called := false
	c.handlers.OnOffer(irc.NewOffer("dune.epub", "dune.epub", 0, func(context.Context, io.Writer) (int64, error) {
		called = true
		return 0, nil
	}))

	assert.False(t, called)
	assert.Len(t, rec.Events(), before)
	assert.Nil(t, s.Accepted())
}

func TestRunDetectsAcceptanceWithinOneTick(t *testing.T) {
	timings := testTimings()
	timings.PollInterval = 20 * time.Millisecond
	c := &fakeClient{}
	o, s, _ := newRun(t, c, timings)

	c.onRequest = func(irc.Handlers) {
		time.Sleep(50 * time.Millisecond)
		s.SetAccepted(&session.AcceptedFile{Name: "dune.epub"})
	}

	start := time.Now()
	res := o.Run(context.Background())
	c.wg.Wait()

	assert.Equal(t, session.Completed, res.Status)
	// Set during the third tick; detected at the next check.
	assert.LessOrEqual(t, res.Polls, 4)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunConnectTimeout(t *testing.T) {
	timings := testTimings()
	timings.ConnectTimeout = 50 * time.Millisecond
	c := &fakeClient{block: true, quitErr: irc.ErrNotConnected}
	o, _, rec := newRun(t, c, timings)

	start := time.Now()
	res := o.Run(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, session.Failed, res.Status)
	assert.Equal(t, ReasonConnectFailed, res.Reason)
	assert.Less(t, elapsed, 500*time.Millisecond)

	evs := rec.Events()
	assert.Equal(t, 1, rec.Count(events.TypeConnectionStatus))
	assert.Equal(t, 0, rec.Count(events.TypePoll))
	assert.Empty(t, c.sent, "request must not be sent without a connection")
	for _, ev := range evs {
		if ev.Type == events.TypeConnectionStatus {
			assert.Equal(t, "unresolved", ev.Data)
		}
	}
	assert.Equal(t, events.TypeCloseError, evs[len(evs)-1].Type)
}

func TestRunConnectError(t *testing.T) {
	c := &fakeClient{connErr: errors.New("connection refused")}
	o, _, rec := newRun(t, c, testTimings())

	res := o.Run(context.Background())

	assert.Equal(t, ReasonConnectFailed, res.Reason)
	assert.Equal(t, []string{
		events.TypeFetchStatus,
		events.TypeConnectionError,
		events.TypeBotStatus,
		events.TypeFetchStatus,
		events.TypeServerQuit,
	}, rec.Types())
	assert.Equal(t, "connection refused", rec.Events()[1].Data)
	assert.Equal(t, false, rec.Events()[2].Data)
	assert.Equal(t, 1, c.quits)
}

func TestRunCancelledDuringPolling(t *testing.T) {
	timings := testTimings()
	timings.PollInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	c := &fakeClient{onRequest: func(irc.Handlers) {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}}
	o, _, rec := newRun(t, c, timings)

	res := o.Run(ctx)
	c.wg.Wait()

	assert.Equal(t, session.Failed, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, 1, rec.Count(events.TypePoll))
	assert.Equal(t, 1, c.quits)
}

func TestRunCancelledDuringGracePeriod(t *testing.T) {
	timings := testTimings()
	timings.GracePeriod = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c := &fakeClient{}
	o, _, _ := newRun(t, c, timings)

	res := o.Run(ctx)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Empty(t, c.sent)
}

func TestRunFlushesQuitEvent(t *testing.T) {
	bus := events.NewBus()
	rec := &events.Recorder{}
	done := make(chan error, 1)
	go func() { done <- bus.Run(context.Background(), rec.Push) }()

	timings := testTimings()
	timings.MaxPolls = 1
	c := &fakeClient{}
	s := session.New("dune", session.ConnectionConfig{Channel: "#books"}, "", t.TempDir(), t.TempDir(), bus)
	New(s, c.factory, timings, nil).Run(context.Background())

	// No explicit flush: Run must have waited for the quit event.
	types := rec.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeServerQuit, types[len(types)-1])

	bus.Close()
	require.NoError(t, <-done)
}
