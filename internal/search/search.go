// Package search scans local resource listing files for lines matching a
// query.
package search

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dccfetch/dccfetch/internal/events"
	"github.com/dccfetch/dccfetch/internal/match"
)

const (
	defaultConcurrency = 4
	maxLineBytes       = 1 << 20
)

// Engine searches the regular files directly under a directory. Files are
// read concurrently but results keep directory order.
type Engine struct {
	Emitter     events.Emitter
	Logger      *zap.Logger
	Concurrency int
}

func New(emitter events.Emitter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Emitter: emitter, Logger: logger, Concurrency: defaultConcurrency}
}

// Search returns the matching lines of every listing file in dir. A file
// that cannot be read is reported as a search error event and skipped; only
// a failure to list dir itself is returned.
func (e *Engine) Search(ctx context.Context, dir, query string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}

	m := match.New(query)
	results := make([][]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	limit := e.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g.SetLimit(limit)

	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lines, err := searchFile(path, m)
			if err != nil {
				e.report(path, err)
				return nil
			}
			results[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for _, lines := range results {
		out = append(out, lines...)
	}
	e.Logger.Debug("search finished",
		zap.String("dir", dir),
		zap.String("query", query),
		zap.Int("files", len(files)),
		zap.Int("matches", len(out)))
	return out, nil
}

func (e *Engine) report(path string, err error) {
	e.Logger.Warn("skipping unreadable listing", zap.String("file", path), zap.Error(err))
	if e.Emitter != nil {
		e.Emitter.Push(events.New(events.TypeSearchError, map[string]any{
			"file":  path,
			"error": err.Error(),
		}))
	}
}

func searchFile(path string, m match.Matcher) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if m.Match(line) {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}
