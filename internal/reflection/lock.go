package reflection

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// acquireLock takes the cross-process reflection lock at path. No
// library in the retrieved pack provides a distributed or flock-style
// lock, and the teacher's single-process sync.Mutex does not satisfy
// spec.md §5's "globally-singleton across all processes that share the
// profiles directory" requirement — so this is new stdlib-only code:
// O_CREATE|O_EXCL for the atomic create, a "pid@unix_timestamp" payload
// for diagnostics and staleness detection.
//
// If an existing lock file is older than ttl, it is treated as
// abandoned by a crashed or killed holder and removed before retrying
// once. Returns a release func that must be called to drop the lock.
func acquireLock(path string, ttl time.Duration) (func(), error) {
	release, err := tryCreateLock(path)
	if err == nil {
		return release, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	if !lockStale(path, ttl) {
		return nil, fmt.Errorf("reflection lock %s is held", path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}

	release, err = tryCreateLock(path)
	if err != nil {
		return nil, fmt.Errorf("re-acquire lock after stale reclaim: %w", err)
	}
	return release, nil
}

func tryCreateLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	payload := fmt.Sprintf("%d@%d", os.Getpid(), time.Now().Unix())
	_, writeErr := f.WriteString(payload)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(path)
		if writeErr != nil {
			return nil, writeErr
		}
		return nil, closeErr
	}
	return func() { os.Remove(path) }, nil
}

// lockStale reports whether the lock file at path carries a timestamp
// older than ttl. An unreadable or malformed lock file is treated as
// stale so a corrupted lock never wedges the loop permanently.
func lockStale(path string, ttl time.Duration) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	_, tsPart, found := strings.Cut(string(data), "@")
	if !found {
		return true
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(ts, 0)) > ttl
}
