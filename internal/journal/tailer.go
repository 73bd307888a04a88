// Package journal follows a game journal directory and publishes each new
// entry as an event.
//
// The directory holds rolling Journal.*.log files, one JSON object per line,
// plus single-object status files such as Status.json that are rewritten in
// place. A Tailer polls the directory, reads only complete lines appended to
// the newest journal since the last poll, and republishes a status file
// whenever its contents change.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
)

// JournalPattern matches rolling journal file names.
const JournalPattern = "Journal.*.log"

// StatusFiles are the single-object files the game rewrites in place.
var StatusFiles = []string{
	"Status.json",
	"Cargo.json",
	"Market.json",
	"ModulesInfo.json",
	"NavRoute.json",
	"Outfitting.json",
	"Shipyard.json",
	"Backpack.json",
	"ShipLocker.json",
}

// ErrNoJournal is returned by LatestJournal when the directory has no journal files.
var ErrNoJournal = errors.New("no journal files found")

// Tailer polls a journal directory and publishes new entries.
// It is not safe for concurrent use; Run owns it.
type Tailer struct {
	cfg    config.JournalConfig
	pub    event.Publisher
	logger *zap.Logger

	current string
	offset  int64
	primed  bool
	status  map[string][]byte
}

// NewTailer creates a Tailer for cfg.Dir.
//
// Precondition: pub and logger must be non-nil.
func NewTailer(cfg config.JournalConfig, pub event.Publisher, logger *zap.Logger) *Tailer {
	return &Tailer{
		cfg:    cfg,
		pub:    pub,
		logger: logger.With(zap.String("dir", cfg.Dir)),
		status: make(map[string][]byte),
	}
}

// Run polls until ctx is cancelled.
//
// Postcondition: Returns nil once ctx is done.
func (t *Tailer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.Info("journal tailer started", zap.Duration("poll_interval", t.cfg.PollInterval))
	t.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("journal tailer stopped", zap.String("journal", t.current), zap.Int64("offset", t.offset))
			return nil
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *Tailer) poll(ctx context.Context) {
	if err := t.Poll(ctx); err != nil {
		t.logger.Warn("polling journal", zap.Error(err))
	}
}

// Poll runs one pass over the directory: new journal lines first, then
// changed status files.
//
// On the first pass existing content is skipped unless cfg.FromStart is
// set, so only entries written after startup are published.
func (t *Tailer) Poll(ctx context.Context) error {
	first := !t.primed
	t.primed = true

	errJournal := t.pollJournal(ctx, first)
	errStatus := t.pollStatus(ctx, first)
	return errors.Join(errJournal, errStatus)
}

func (t *Tailer) pollJournal(ctx context.Context, first bool) error {
	latest, err := LatestJournal(t.cfg.Dir)
	if errors.Is(err, ErrNoJournal) {
		return nil
	}
	if err != nil {
		return err
	}

	if latest != t.current {
		if t.current != "" {
			// Drain what the previous file gained since the last poll.
			if err := t.drain(ctx, t.current); err != nil {
				t.logger.Warn("draining previous journal", zap.String("journal", t.current), zap.Error(err))
			}
		}
		t.logger.Info("following journal", zap.String("journal", filepath.Base(latest)))
		t.current = latest
		t.offset = 0

		if first && !t.cfg.FromStart {
			info, err := os.Stat(latest)
			if err != nil {
				return fmt.Errorf("stat %s: %w", latest, err)
			}
			t.offset = info.Size()
			return nil
		}
	}

	return t.drain(ctx, t.current)
}

func (t *Tailer) drain(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < t.offset {
		t.logger.Warn("journal truncated, rereading", zap.String("journal", filepath.Base(path)))
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil
	}

	lines, next, err := ReadLines(path, t.offset)
	t.offset = next
	for _, line := range lines {
		t.publish(ctx, line, filepath.Base(path))
	}
	return err
}

func (t *Tailer) publish(ctx context.Context, data []byte, origin string) {
	e, err := event.Parse(data)
	if err != nil {
		t.logger.Warn("skipping malformed journal entry",
			zap.String("file", origin),
			zap.Error(err),
		)
		return
	}
	if err := t.pub.Publish(ctx, e); err != nil {
		t.logger.Warn("publishing journal entry",
			zap.String("file", origin),
			zap.String("event", e.Type),
			zap.Error(err),
		)
	}
}

func (t *Tailer) pollStatus(ctx context.Context, first bool) error {
	var errs []error
	for _, name := range StatusFiles {
		path := filepath.Join(t.cfg.Dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reading %s: %w", name, err))
			continue
		}

		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, t.status[name]) {
			continue
		}
		if _, err := event.Parse(data); err != nil {
			// Possibly caught mid-rewrite; retried next poll.
			t.logger.Debug("status file not parseable yet", zap.String("file", name), zap.Error(err))
			continue
		}

		t.status[name] = data
		if first && !t.cfg.FromStart {
			continue
		}
		t.publish(ctx, data, name)
	}
	return errors.Join(errs...)
}

// LatestJournal returns the most recently modified journal file in dir.
// Ties are broken by name, which embeds the session start time.
func LatestJournal(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, JournalPattern))
	if err != nil {
		return "", fmt.Errorf("listing journals in %s: %w", dir, err)
	}

	var best string
	var bestTime time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		mt := info.ModTime()
		if best == "" || mt.After(bestTime) || (mt.Equal(bestTime) && m > best) {
			best, bestTime = m, mt
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w in %s", ErrNoJournal, dir)
	}
	return best, nil
}

// ReadLines reads the complete lines of path after offset. A trailing
// partial line is left for the next call.
//
// Postcondition: next is offset advanced past every returned line and any
// skipped blank line. Returned lines have no line terminator.
func ReadLines(path string, offset int64) (lines [][]byte, next int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, err
		}
	}

	next = offset
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			next += int64(len(line))
			if trimmed := bytes.TrimRight(line, "\r\n"); len(bytes.TrimSpace(trimmed)) > 0 {
				lines = append(lines, trimmed)
			}
		}
		if errors.Is(err, io.EOF) {
			return lines, next, nil
		}
		if err != nil {
			return lines, next, fmt.Errorf("reading %s: %w", path, err)
		}
	}
}
