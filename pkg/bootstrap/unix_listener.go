package bootstrap

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sammck-go/logger"
)

// unixListener is a unix domain socket listener guarded by an flock on a
// sibling ".lock" file. Holding the lock makes it safe to remove a socket file
// left behind by a server that died without closing, while a second server on
// the same path still fails to bind.
type unixListener struct {
	logger.Logger
	net.Listener
	path     string
	lockPath string
	lockFile *os.File

	closeOnce sync.Once
	closeErr  error
}

// listenUnixLocked binds path, replacing an orphaned socket file if the lock
// can be taken. The lock file is left in place after Close; only the socket
// file is removed.
func listenUnixLocked(lg logger.Logger, path string) (net.Listener, error) {
	if path == "" {
		return nil, fmt.Errorf("unix listener: empty socket path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("unix listener: invalid socket path %q: %w", path, err)
	}
	l := &unixListener{
		Logger:   lg.ForkLogf("UnixListener(%s)", abs),
		path:     abs,
		lockPath: abs + ".lock",
	}
	info, err := os.Stat(abs)
	if err != nil && !os.IsNotExist(err) {
		return nil, l.DLogErrorf("Could not stat socket path: %s", err)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, l.DLogErrorf("%s exists and is not a unix domain socket", abs)
	}
	f, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, l.DLogErrorf("Unable to open lock file: %s", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, l.DLogErrorf("Socket in use (%s is locked): %s", l.lockPath, err)
	}
	l.lockFile = f
	if info != nil {
		l.DLogf("Removing orphaned socket file")
		if err := os.Remove(abs); err != nil {
			l.unlock()
			return nil, l.DLogErrorf("Unable to remove orphaned socket file: %s", err)
		}
	}
	ln, err := net.Listen("unix", abs)
	if err != nil {
		l.unlock()
		return nil, l.DLogErrorf("Listen failed: %s", err)
	}
	l.Listener = ln
	return l, nil
}

func (l *unixListener) unlock() error {
	err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	if cerr := l.lockFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the socket, removes the socket file and releases the lock.
func (l *unixListener) Close() error {
	l.closeOnce.Do(func() {
		os.Remove(l.path)
		l.closeErr = l.Listener.Close()
		if err := l.unlock(); err != nil && l.closeErr == nil {
			l.closeErr = l.DLogErrorf("Unlock of %s failed: %s", l.lockPath, err)
		}
	})
	return l.closeErr
}
