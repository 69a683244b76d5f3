package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// errAlreadyRunning means another process holds the instance lock for the
// same state directory.
var errAlreadyRunning = errors.New("another instance is already running")

// instanceLock pins a state directory to one daemon. The serve command
// acquires it before opening the store and releases it on exit; a second
// serve against the same directory fails fast instead of racing the store.
type instanceLock struct {
	fl *flock.Flock
}

// acquireInstanceLock takes the advisory lock under stateDir, or returns
// errAlreadyRunning when it is held elsewhere. stateDir must exist.
func acquireInstanceLock(stateDir string) (*instanceLock, error) {
	fl := flock.New(filepath.Join(stateDir, "drover.lock"))
	held, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !held {
		return nil, errAlreadyRunning
	}
	return &instanceLock{fl: fl}, nil
}

func (l *instanceLock) release() {
	l.fl.Unlock()
}
