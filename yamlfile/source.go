// Package yamlfile loads crontab definitions from a YAML file and watches it for changes.
//
// The file lists the handlers under a top-level "handlers" key:
//
//	handlers:
//	  - name: cleanup
//	    enabled: true
//	    spec: "0 */5 * * * *"
//	    action: cleanup
//	    data:
//	      olderThan: 24h
package yamlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DEEJ4Y/crontab"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
)

const defaultDebounce = 250 * time.Millisecond

type document struct {
	Handlers []crontab.Definition `yaml:"handlers"`
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger used by Watch.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Source) {
		s.log = log
	}
}

// WithDebounce sets how long Watch waits for a burst of file events to settle.
func WithDebounce(d time.Duration) Option {
	return func(s *Source) {
		s.debounce = d
	}
}

// Source implements crontab.Source for a YAML file.
type Source struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger
}

// NewSource returns a Source reading path.
func NewSource(path string, opts ...Option) *Source {
	s := &Source{
		path:     path,
		debounce: defaultDebounce,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the watched file.
func (s *Source) Path() string {
	return s.path
}

// Load reads and strictly decodes the file. Unknown fields are rejected.
// An empty file yields no definitions; a crontab.Reloader treats that as a failed load unless AllowEmpty is set.
func (s *Source) Load(ctx context.Context) ([]crontab.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			// empty file
			return nil, nil
		}
		return nil, fmt.Errorf("yaml decode %s: %w", s.path, err)
	}
	return doc.Handlers, nil
}

// Watch calls onChange after the file was written, created, renamed or removed, until ctx is done.
// Bursts of events (editors often write a file in several steps) result in a single call.
func (s *Source) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()

	// watching the directory survives editors that replace the file
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.log.Debug().Str("dir", dir).Str("file", file).Msg("definitions watcher started")

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug().Str("path", s.path).Msg("definitions changed")
			onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events may have been lost, reload once
				s.log.Warn().Err(err).Str("dir", dir).Msg("definitions watch overflow")
				debounce()
				continue
			}
			s.log.Warn().Err(err).Str("dir", dir).Msg("definitions watch error")
		}
	}
}
