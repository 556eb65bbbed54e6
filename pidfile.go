package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

var errAlreadyRunning = errors.New("another instance is already running")

// pidFile is an exclusively locked file holding our PID. The lock lives as
// long as the file stays open.
type pidFile struct {
	path string
	f    *os.File
}

func lockPIDFile(path string) (*pidFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock %s: %w", path, errAlreadyRunning)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &pidFile{path: path, f: f}, nil
}

// Close removes the file and releases the lock.
func (p *pidFile) Close() error {
	removeErr := os.Remove(p.path)
	if err := p.f.Close(); err != nil {
		return err
	}
	return removeErr
}
