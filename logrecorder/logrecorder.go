// Package logrecorder routes the process log to timestamped files under
// a per-day directory, rotating to a fresh file on an interval so long
// captures do not grow a single unbounded log.
package logrecorder

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// nowString names log files by start time, minute resolution.
func nowString() string {
	return time.Now().Format("20060102_1504")
}

// dayDir ensures the per-day directory (e.g. 2026_08_23) under root.
func dayDir(root string) (string, error) {
	now := time.Now()
	dir := filepath.Join(root, fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("logrecorder: create directory: %w", err)
	}
	return dir, nil
}

// Recorder is an io.Writer whose target file can be swapped while
// loggers keep writing through it.
type Recorder struct {
	root string
	name string

	mu   sync.Mutex
	file *os.File

	done      chan struct{}
	closeOnce sync.Once
}

// New opens the first log file under root and returns the recorder plus
// a text slog.Logger writing through it.
func New(root, name string, level slog.Level) (*Recorder, *slog.Logger, error) {
	r := &Recorder{root: root, name: name, done: make(chan struct{})}
	if err := r.rotate(); err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(r, &slog.HandlerOptions{Level: level}))
	return r, logger, nil
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, io.ErrClosedPipe
	}
	return r.file.Write(p)
}

// Path reports the current log file.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// rotate opens a fresh timestamped file and swaps it in.
func (r *Recorder) rotate() error {
	dir, err := dayDir(r.root)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.name, nowString()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("logrecorder: open log file: %w", err)
	}

	r.mu.Lock()
	old := r.file
	r.file = f
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// RotateEvery swaps to a fresh file on every tick until Close.
func (r *Recorder) RotateEvery(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.rotate(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			case <-r.done:
				return
			}
		}
	}()
}

// Close stops rotation and closes the current file.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		if r.file != nil {
			err = r.file.Close()
			r.file = nil
		}
		r.mu.Unlock()
	})
	return err
}
