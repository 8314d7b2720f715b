package batch

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// LockInfo is written into a lock marker.
type LockInfo struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lock marker.
type Lock struct {
	path string
	Info LockInfo
}

// ErrLocked is returned when a lock marker is already present.
var ErrLocked = eris.New("batch: lock marker present")

// AcquireLock creates the lock marker at path with O_EXCL. An existing
// marker is refused with a ConfigError wrapping ErrLocked unless force is
// set, in which case it is replaced.
func AcquireLock(path string, force bool) (*Lock, error) {
	host, _ := os.Hostname()
	info := LockInfo{PID: os.Getpid(), Host: host, StartedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, eris.Wrap(err, "batch: encode lock")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		prev, _ := ReadLock(path)
		if !force {
			return nil, resilience.NewConfigError("lock", eris.Wrapf(ErrLocked,
				"%s held by pid %d on %q since %s; pass --force-unlock if that run is dead",
				path, prev.PID, prev.Host, prev.StartedAt.Format(time.RFC3339)))
		}
		zap.L().With(zap.String("component", "batch")).Warn("replacing stale lock marker",
			zap.String("path", path), zap.Int("pid", prev.PID), zap.String("host", prev.Host))
		if err := os.Remove(path); err != nil {
			return nil, eris.Wrapf(err, "batch: remove lock %s", path)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "batch: create lock %s", path)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()       //nolint:errcheck
		os.Remove(path) //nolint:errcheck
		return nil, eris.Wrapf(err, "batch: write lock %s", path)
	}
	if err := f.Close(); err != nil {
		return nil, eris.Wrapf(err, "batch: close lock %s", path)
	}
	return &Lock{path: path, Info: info}, nil
}

// ReadLock returns the contents of the marker at path.
func ReadLock(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, eris.Wrapf(err, "batch: read lock %s", path)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, eris.Wrapf(err, "batch: decode lock %s", path)
	}
	return info, nil
}

// Release removes the marker. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrap(err, "batch: release lock")
	}
	return nil
}
