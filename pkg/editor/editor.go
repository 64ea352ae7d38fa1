// Package editor abstracts the user-facing surface: opening files, dialogs and
// progress indicators.
package editor

import (
	"context"
	"sync"
	"time"

	"github.com/portalsfs/portalsfs/internal/logging"
)

// Surface is implemented by whatever hosts the filesystem.
type Surface interface {
	OpenFile(path string)
	ShowError(msg string, modal bool)
	ShowInfo(msg string)
	// WithProgress runs fn while a cancellable progress indicator is shown.
	// Cancelling the indicator cancels the context passed to fn.
	WithProgress(ctx context.Context, title string, fn func(ctx context.Context) error) error
}

// Log is a Surface for headless use: dialogs become log lines.
type Log struct{}

func (Log) OpenFile(path string) {
	logging.Info("opened file", logging.Path(path))
}

func (Log) ShowError(msg string, modal bool) {
	logging.Error(msg)
}

func (Log) ShowInfo(msg string) {
	logging.Info(msg)
}

func (Log) WithProgress(ctx context.Context, title string, fn func(ctx context.Context) error) error {
	start := time.Now()
	logging.Debug("progress started", logging.String("title", title))
	err := fn(ctx)
	logging.Debug("progress finished",
		logging.String("title", title),
		logging.Duration("duration", time.Since(start)))
	return err
}

// Dialog is a message shown through a Recorder.
type Dialog struct {
	Message string
	Error   bool
	Modal   bool
}

// Recorder is a Surface that records interactions.
type Recorder struct {
	mu       sync.Mutex
	opened   []string
	dialogs  []Dialog
	progress []string
}

func (r *Recorder) OpenFile(path string) {
	r.mu.Lock()
	r.opened = append(r.opened, path)
	r.mu.Unlock()
}

func (r *Recorder) ShowError(msg string, modal bool) {
	r.mu.Lock()
	r.dialogs = append(r.dialogs, Dialog{Message: msg, Error: true, Modal: modal})
	r.mu.Unlock()
}

func (r *Recorder) ShowInfo(msg string) {
	r.mu.Lock()
	r.dialogs = append(r.dialogs, Dialog{Message: msg})
	r.mu.Unlock()
}

func (r *Recorder) WithProgress(ctx context.Context, title string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	r.progress = append(r.progress, title)
	r.mu.Unlock()
	return fn(ctx)
}

// Opened returns the files opened so far.
func (r *Recorder) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

// Dialogs returns the dialogs shown so far.
func (r *Recorder) Dialogs() []Dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Dialog(nil), r.dialogs...)
}

// Progress returns the titles of progress indicators shown so far.
func (r *Recorder) Progress() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.progress...)
}
