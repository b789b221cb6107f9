// Package irc is the boundary to the chat network. Client abstracts the
// protocol session the fetch orchestrator drives; notifications flow back
// through Handlers, one function per notification variant.
package irc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"go.uber.org/zap"

	"github.com/dccfetch/dccfetch/internal/session"
)

var ErrNotConnected = errors.New("irc: not connected")

// Client is the protocol session used by a fetch run.
type Client interface {
	// Connect dials the server and returns once the connection is
	// registered, or when ctx is done.
	Connect(ctx context.Context) error
	Connected() bool
	Privmsg(target, text string) error
	Quit() error
}

// Message is a PRIVMSG seen by the client.
type Message struct {
	Nick   string `json:"nick"`
	Target string `json:"target"`
	Text   string `json:"text"`
}

// Join is a JOIN seen by the client, including its own.
type Join struct {
	Nick    string `json:"nick"`
	Channel string `json:"channel"`
}

// Handlers receives protocol notifications. Nil fields are ignored.
// OnOffer is called from a single goroutine, one offer at a time, and may
// block for the duration of a transfer.
type Handlers struct {
	OnMessage        func(Message)
	OnChannelMessage func(Message)
	OnJoin           func(Join)
	OnOffer          func(Offer)
}

// Factory builds a client for one run.
type Factory func(cfg session.ConnectionConfig, h Handlers) Client

const offerQueueSize = 16

type ircClient struct {
	conn     *ircevent.Connection
	cfg      session.ConnectionConfig
	handlers Handlers
	logger   *zap.Logger

	mu       sync.Mutex
	quitting bool

	offers     chan Offer
	registered chan struct{}
	regOnce    sync.Once
	startOnce  sync.Once
	stopOnce   sync.Once
	done       chan struct{}
}

// NewFactory returns a Factory producing clients backed by ircevent.
func NewFactory(logger *zap.Logger) Factory {
	return func(cfg session.ConnectionConfig, h Handlers) Client {
		return New(cfg, h, logger)
	}
}

func New(cfg session.ConnectionConfig, h Handlers, logger *zap.Logger) Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("irc")

	c := &ircClient{
		cfg:        cfg,
		handlers:   h,
		logger:     logger,
		offers:     make(chan Offer, offerQueueSize),
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.conn = &ircevent.Connection{
		Server:      cfg.Server,
		Nick:        cfg.Nick,
		User:        cfg.Login,
		RealName:    cfg.Login,
		Password:    cfg.Password,
		UseTLS:      cfg.TLS,
		QuitMessage: "bye",
		Timeout:     time.Minute,
		Log:         zap.NewStdLog(logger),
	}

	c.conn.AddConnectCallback(func(ircmsg.Message) {
		if err := c.conn.Join(cfg.Channel); err != nil {
			logger.Warn("join failed", zap.String("channel", cfg.Channel), zap.Error(err))
		}
		c.regOnce.Do(func() { close(c.registered) })
	})
	c.conn.AddCallback("JOIN", c.onJoin)
	// EnableCTCP is left off, so DCC requests arrive as raw PRIVMSGs.
	c.conn.AddCallback("PRIVMSG", c.onPrivmsg)
	return c
}

func (c *ircClient) Connect(ctx context.Context) error {
	c.startOnce.Do(func() { go c.offerLoop() })

	errCh := make(chan error, 1)
	go func() {
		if err := c.conn.Connect(); err != nil {
			errCh <- err
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.quitting {
			// Quit was called while the connection was being set up; the
			// QUIT sent then had no socket to go out on.
			c.conn.Quit()
			return
		}
		go c.conn.Loop()
	}()

	select {
	case <-c.registered:
		return nil
	case err := <-errCh:
		return fmt.Errorf("connecting to %s: %w", c.cfg.Server, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ircClient) Connected() bool {
	return c.conn.Connected()
}

func (c *ircClient) Privmsg(target, text string) error {
	if !c.conn.Connected() {
		return ErrNotConnected
	}
	return c.conn.Privmsg(target, text)
}

// Quit disconnects and stops reconnection. It also stops a connection
// attempt still in flight, but reports ErrNotConnected in that case.
func (c *ircClient) Quit() error {
	defer c.stopOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quitting = true
	connected := c.conn.Connected()
	// Always set the library's quit flag so a late or retried Connect gives up.
	c.conn.Quit()
	if !connected {
		return ErrNotConnected
	}
	return nil
}

func (c *ircClient) offerLoop() {
	for {
		select {
		case <-c.done:
			return
		case o := <-c.offers:
			if c.handlers.OnOffer != nil {
				c.handlers.OnOffer(o)
			}
		}
	}
}

func (c *ircClient) onJoin(e ircmsg.Message) {
	if c.handlers.OnJoin == nil || len(e.Params) == 0 {
		return
	}
	c.handlers.OnJoin(Join{Nick: nickOf(e.Source), Channel: e.Params[0]})
}

func (c *ircClient) onPrivmsg(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	msg := Message{Nick: nickOf(e.Source), Target: e.Params[0], Text: e.Params[1]}

	if IsCTCP(msg.Text) {
		c.dispatchCTCP(msg.Nick, msg.Text)
		return
	}
	if isChannel(msg.Target) {
		if c.handlers.OnChannelMessage != nil {
			c.handlers.OnChannelMessage(msg)
		}
		return
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg)
	}
}

func (c *ircClient) dispatchCTCP(nick, text string) {
	send, err := ParseDCCSend(text)
	if err != nil {
		if !errors.Is(err, ErrNotDCCSend) {
			c.logger.Warn("ignoring malformed DCC offer", zap.String("from", nick), zap.Error(err))
		}
		return
	}
	offer := send.Offer(nick)

	select {
	case c.offers <- offer:
	default:
		c.logger.Warn("offer queue full, ignoring offer",
			zap.String("from", nick), zap.String("file", offer.RawFilename))
	}
}

func nickOf(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

func isChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}
