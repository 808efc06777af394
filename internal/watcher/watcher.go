// Package watcher subscribes to filesystem creation events under a watch
// target's root and feeds new file paths into the pipeline. Directory
// creations are not emitted; in recursive mode they extend the watch set
// instead. No filtering by file type happens here: every created file is a
// candidate for processing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/dropwatch/internal/config"
	"github.com/mattjoyce/dropwatch/internal/log"
)

// Event is one accepted file-creation notification.
type Event struct {
	Target string
	Path   string
}

// ErrSubscriptionLost reports that the underlying filesystem subscription for
// a target is gone (watched volume removed, watcher closed). Fatal for the
// target; the operator must be told.
var ErrSubscriptionLost = errors.New("filesystem subscription lost")

const eventChannelBuffer = 128

// Listener watches a single target's root.
type Listener struct {
	target config.WatchTarget
	fw     *fsnotify.Watcher
	events chan Event
	errs   chan error
	logger *slog.Logger
}

// New creates a Listener for target and registers its directory tree with the
// OS watcher.
func New(target config.WatchTarget) (*Listener, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	l := &Listener{
		target: target,
		fw:     fw,
		events: make(chan Event, eventChannelBuffer),
		errs:   make(chan error, 1),
		logger: log.WithComponent("watcher").With("target", target.Name),
	}

	if target.Recursive {
		if err := l.addTree(target.Root); err != nil {
			_ = fw.Close()
			return nil, err
		}
	} else {
		if err := fw.Add(target.Root); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watch %s: %w", target.Root, err)
		}
	}

	return l, nil
}

// Start begins event delivery. If the target has scan_on_start set, files
// already present under the root are emitted first, so drops that happened
// while the service was down are not lost.
func (l *Listener) Start(ctx context.Context) {
	l.logger.Info("watching folder", "root", l.target.Root, "recursive", l.target.Recursive)
	go func() {
		defer close(l.events)
		if l.target.ScanOnStart {
			l.sweep(ctx)
		}
		l.loop(ctx)
	}()
}

// Events returns the channel of accepted creation events. Closed when the
// listener stops.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Errors returns the channel carrying the fatal subscription error, if any.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close releases the OS watcher.
func (l *Listener) Close() error {
	return l.fw.Close()
}

func (l *Listener) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.fw.Events:
			if !ok {
				l.fatal(ctx)
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				// Created and gone before we could look. A later event
				// will pick it up if it reappears.
				l.logger.Debug("created path vanished before stat", "path", event.Name, "error", err)
				continue
			}

			if info.IsDir() {
				if l.target.Recursive {
					if err := l.addTree(event.Name); err != nil {
						l.logger.Error("failed to extend watch to new directory", "path", event.Name, "error", err)
					}
				}
				continue
			}

			l.emit(ctx, event.Name)

		case err, ok := <-l.fw.Errors:
			if !ok {
				l.fatal(ctx)
				return
			}
			l.logger.Error("filesystem watcher error", "error", err)
		}
	}
}

// sweep emits regular files already present under the root.
func (l *Listener) sweep(ctx context.Context) {
	err := filepath.WalkDir(l.target.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if !l.target.Recursive && path != l.target.Root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		l.logger.Info("pre-existing file found during startup sweep", "path", path)
		l.emit(ctx, path)
		return nil
	})
	if err != nil {
		l.logger.Error("startup sweep failed", "root", l.target.Root, "error", err)
	}
}

func (l *Listener) emit(ctx context.Context, path string) {
	l.logger.Info("detected new file", "path", path)
	select {
	case l.events <- Event{Target: l.target.Name, Path: path}:
	case <-ctx.Done():
	}
}

func (l *Listener) fatal(ctx context.Context) {
	if ctx.Err() != nil {
		// Orderly shutdown, not a lost subscription.
		return
	}
	l.logger.Error("filesystem subscription lost", "root", l.target.Root)
	select {
	case l.errs <- fmt.Errorf("target %s (%s): %w", l.target.Name, l.target.Root, ErrSubscriptionLost):
	default:
	}
}

// addTree registers dir and every directory below it.
func (l *Listener) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			// Unreadable subdirectories are skipped, not fatal.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := l.fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
