package reflection

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireLock_CreatesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflection.lock")

	release, err := acquireLock(path, time.Hour)
	if err != nil {
		t.Fatalf("acquireLock() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to exist, stat error = %v", err)
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected lock file to be removed after release")
	}
}

func TestAcquireLock_FailsWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflection.lock")

	release, err := acquireLock(path, time.Hour)
	if err != nil {
		t.Fatalf("first acquireLock() error = %v", err)
	}
	defer release()

	if _, err := acquireLock(path, time.Hour); err == nil {
		t.Error("expected second acquireLock() to fail while lock is held")
	}
}

func TestAcquireLock_ReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflection.lock")

	stalePayload := "99999@1000000000" // 2001, certainly stale
	if err := os.WriteFile(path, []byte(stalePayload), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	release, err := acquireLock(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got error = %v", err)
	}
	release()
}

func TestLockStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflection.lock")

	if err := os.WriteFile(path, []byte("garbage-no-at-sign"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !lockStale(path, time.Hour) {
		t.Error("expected malformed lock payload to be treated as stale")
	}

	fresh := []byte(fmt.Sprintf("1@%d", time.Now().Unix()))
	if err := os.WriteFile(path, fresh, 0o644); err != nil {
		t.Fatal(err)
	}
	if lockStale(path, time.Hour) {
		t.Error("expected freshly-written lock to not be stale")
	}
}
