// Package killswitch implements the operator halt signal: an environment
// flag or a kill file on disk. The kernel checks the switch at the top of
// every iteration and halts before dispatching anything new.
package killswitch

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EnvVar forces a halt when set to any non-empty value.
const EnvVar = "WARDEN_KILL"

// Reasons reported by Engaged.
const (
	ReasonEnv  = "env"
	ReasonFile = "kill_file"
)

// Switch watches for the operator halt signal. Safe for concurrent use.
type Switch struct {
	path    string
	logger  *zap.Logger
	tripped atomic.Bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds a switch around the given kill-file path. An empty path
// disables the file channel; the environment flag always applies.
func New(path string, logger *zap.Logger) *Switch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switch{path: path, logger: logger}
}

// Watch starts an inotify watch on the kill file's directory so the switch
// trips the moment the file appears, without waiting for the next stat.
// Failure to start the watcher is non-fatal; Engaged still stats the path.
func (s *Switch) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == s.path && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					s.logger.Warn("kill file detected", zap.String("path", s.path))
					s.tripped.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("kill switch watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one is running.
func (s *Switch) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	return err
}

// Engaged reports whether the operator has requested a halt, and through
// which channel. The file path is also stat'ed directly so the signal is
// seen even when no watcher could be started.
func (s *Switch) Engaged() (bool, string) {
	if os.Getenv(EnvVar) != "" {
		return true, ReasonEnv
	}
	if s.tripped.Load() {
		return true, ReasonFile
	}
	if s.path != "" {
		if _, err := os.Stat(s.path); err == nil {
			s.tripped.Store(true)
			return true, ReasonFile
		}
	}
	return false, ""
}
