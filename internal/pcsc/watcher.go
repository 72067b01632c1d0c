package pcsc

import (
	"context"
	"errors"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// DefaultPollInterval is how often the watcher samples card presence.
const DefaultPollInterval = 250 * time.Millisecond

// WatcherOptions select the reader to watch.
type WatcherOptions struct {
	Reader      string
	ReaderIndex int
	Interval    time.Duration
}

// Watcher polls one reader and reports card arrival and removal. Callbacks
// run on the watcher goroutine; a slow OnCard delays removal detection.
type Watcher struct {
	factory  ContextFactory
	opts     WatcherOptions
	onCard   func(*Tag)
	onRemove func()

	ctx     SmartCardContext
	reader  string
	present bool
}

// NewWatcher returns a watcher that calls onCard for every newly placed
// Classic card and onRemove when it leaves the field.
func NewWatcher(factory ContextFactory, opts WatcherOptions, onCard func(*Tag), onRemove func()) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	return &Watcher{
		factory:  factory,
		opts:     opts,
		onCard:   onCard,
		onRemove: onRemove,
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.release()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.Poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll samples the reader once. Run calls it on every tick.
func (w *Watcher) Poll() {
	if w.ctx == nil {
		ctx, err := w.factory.EstablishContext()
		if err != nil {
			logging.Debug(logging.CatCard, "PC/SC context unavailable", map[string]any{
				"error": err.Error(),
			})
			w.setAbsent()
			return
		}
		w.ctx = ctx
	}

	readers, err := listReaders(w.ctx)
	if err != nil {
		logging.Debug(logging.CatCard, "Failed to list readers", map[string]any{
			"error": err.Error(),
		})
		w.release()
		w.setAbsent()
		return
	}
	reader, err := SelectReader(readers, w.opts.Reader, w.opts.ReaderIndex)
	if err != nil {
		if w.reader != "" {
			logging.Warn(logging.CatCard, "Reader disconnected", map[string]any{
				"reader": w.reader,
			})
			w.reader = ""
		}
		w.setAbsent()
		return
	}
	if reader.Name != w.reader {
		logging.Info(logging.CatCard, "Watching reader", map[string]any{
			"reader": reader.Name,
		})
		w.setAbsent()
		w.reader = reader.Name
	}

	switch {
	case reader.CardPresent && !w.present:
		tag, err := Probe(w.factory, reader.Name)
		if err != nil {
			if errors.Is(err, ErrNotClassic) {
				// stay quiet until this card is removed
				logging.Warn(logging.CatCard, "Ignoring unsupported card", map[string]any{
					"reader": reader.Name,
				})
				w.present = true
				return
			}
			logging.Debug(logging.CatCard, "Card probe failed, will retry", map[string]any{
				"reader": reader.Name,
				"error":  err.Error(),
			})
			return
		}
		w.present = true
		if w.onCard != nil {
			w.onCard(tag)
		}
	case !reader.CardPresent && w.present:
		w.setAbsent()
	}
}

func (w *Watcher) setAbsent() {
	if !w.present {
		return
	}
	w.present = false
	logging.Debug(logging.CatCard, "Card removed", map[string]any{
		"reader": w.reader,
	})
	if w.onRemove != nil {
		w.onRemove()
	}
}

func (w *Watcher) release() {
	if w.ctx != nil {
		w.ctx.Release()
		w.ctx = nil
	}
}
