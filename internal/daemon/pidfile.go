package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning means another live process owns the PID file.
var ErrAlreadyRunning = errors.New("daemon: already running")

// WritePIDFile claims the PID file with O_CREAT|O_EXCL. If the file
// exists and its owner is still alive, the claim fails with
// ErrAlreadyRunning; a stale file is removed and the claim retried once.
// Exactly one of two concurrent startups can win: the loser either sees
// a live owner or loses the O_EXCL race on the retry.
func WritePIDFile(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil {
				return werr
			}
			return cerr
		}
		if !os.IsExist(err) {
			return err
		}

		// The owner creates and then writes; a read racing that window
		// can see an empty file. Give the writer a moment before
		// declaring the file stale.
		pid, rerr := ReadPIDFile(path)
		for i := 0; rerr != nil && i < 5; i++ {
			time.Sleep(10 * time.Millisecond)
			pid, rerr = ReadPIDFile(path)
		}
		if rerr == nil && processAlive(pid) {
			return ErrAlreadyRunning
		}
		// Stale leftovers from a dead predecessor.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
	}
	return ErrAlreadyRunning
}

// ReadPIDFile parses the single decimal PID the file holds.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon: malformed pid file %s", path)
	}
	return pid, nil
}

// RemovePIDFile unlinks the PID file; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// processAlive probes the pid with signal 0. EPERM still means alive,
// just owned by someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
