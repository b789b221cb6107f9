package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dccfetch/dccfetch/internal/config"
	"github.com/dccfetch/dccfetch/internal/events"
	"github.com/dccfetch/dccfetch/internal/fetch"
	"github.com/dccfetch/dccfetch/internal/irc"
	"github.com/dccfetch/dccfetch/internal/search"
	"github.com/dccfetch/dccfetch/internal/session"
	"github.com/dccfetch/dccfetch/internal/tui"
	"github.com/dccfetch/dccfetch/internal/ws"
)

const (
	maxStreamClients = 8
	drainTimeout     = 5 * time.Second
)

// consume starts the single consumer of bus. stop closes the bus and waits
// until everything queued has been handled.
func consume(bus *events.Bus, h events.Handler, logger *zap.Logger) (stop func()) {
	done := make(chan error, 1)
	go func() { done <- bus.Run(context.Background(), h) }()

	return func() {
		bus.Close()
		select {
		case err := <-done:
			if err != nil {
				logger.Warn("event consumer stopped", zap.Error(err))
			}
		case <-time.After(drainTimeout):
			logger.Warn("event consumer did not drain", zap.Int("pending", bus.Len()))
		}
	}
}

func runSearch(cmd *cobra.Command, cfg *config.Config, query string, logger *zap.Logger) error {
	out := cmd.OutOrStdout()
	bus := events.NewBus()
	defer consume(bus, events.Fanout(events.Console(out), events.Log(logger)), logger)()

	lines, err := search.New(bus, logger).Search(cmd.Context(), cfg.ResourceFilePath, query)

	// Search error events are printed before the results.
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if ferr := bus.Flush(ctx); ferr != nil {
		logger.Warn("flushing events failed", zap.Error(ferr))
	}

	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}

func runFetch(cmd *cobra.Command, cfg *config.Config, opts *options, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn := session.ConnectionConfig{
		Nick:     cfg.IRC.Nick,
		Login:    cfg.IRC.Login,
		Server:   cfg.IRC.Server,
		Channel:  cfg.IRC.Channel,
		Password: cfg.IRC.Password,
		TLS:      cfg.IRC.TLS,
	}

	// Events pushed before the consumer starts are kept in order.
	bus := events.NewBus()
	s := session.New(opts.fetch, conn, cfg.ResourceFilePath, cfg.TransferFilePath, cfg.TempDir, bus)

	handlers := []events.Handler{events.Log(logger)}

	var view *tui.Program
	if opts.tui {
		view = tui.NewProgram(tui.New(opts.fetch, cfg.Fetch.MaxPolls, cancel))
		handlers = append(handlers, view.Handler())
	} else {
		handlers = append(handlers, events.Console(cmd.OutOrStdout()))
	}

	if addr := cfg.StreamAddr(); addr != "" {
		broadcaster := ws.NewBroadcaster(s, maxStreamClients, logger)
		defer broadcaster.Close()
		handlers = append(handlers, broadcaster.Handler())

		streamCtx, stopStream := context.WithCancel(context.Background())
		defer stopStream()
		srv := ws.NewServer(s, broadcaster, cfg.Stream.AllowedOrigins, cfg.Stream.Token, logger)
		_, errc := ws.ListenAndServe(streamCtx, addr, srv.Handler(), logger)
		go func() {
			if err := <-errc; err != nil {
				logger.Error("event stream failed", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}
	stopBus := consume(bus, events.Fanout(handlers...), logger)

	orch := fetch.New(s, irc.NewFactory(logger), fetch.TimingsFrom(cfg.Fetch), logger)

	var res fetch.Result
	if view == nil {
		res = orch.Run(ctx)
	} else {
		results := make(chan fetch.Result, 1)
		go func() {
			r := orch.Run(ctx)
			view.Done(r.Status, r.Reason)
			results <- r
		}()
		if err := view.Run(); err != nil {
			logger.Warn("live view failed", zap.Error(err))
			cancel()
		}
		res = <-results
	}
	stopBus()

	if res.Status != session.Completed {
		return &exitError{code: exitFetchFailed, err: fmt.Errorf("fetch %q failed: %s", opts.fetch, res.Reason)}
	}
	if view != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "fetched %s\n", res.Accepted.Name)
	}
	return nil
}
