package providerpool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileLock is a cross-process advisory lock implemented with the standard
// library only: a sidecar ".lock" file created with O_EXCL. No third-party
// file-locking library appears anywhere in the retrieval pack, so this one
// narrow concern is built on os.OpenFile instead of
// an ecosystem flock package.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(targetPath string) *fileLock {
	return &fileLock{path: targetPath + ".lock"}
}

// acquire blocks (with backoff) until the lock file can be created
// exclusively, or the timeout elapses.
func (l *fileLock) acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			l.file = f
			return nil
		}
		if !os.IsExist(err) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("providerpool: timed out acquiring lock %s", l.path)
		}
		time.Sleep(backoff)
		if backoff < 250*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *fileLock) release() {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	_ = os.Remove(l.path)
}

// CredentialStore loads, merges, and persists per-account OAuth material on
// disk, per spec.md §4.2's authentication lifecycle and §6's file format.
// It is the generic merge/lock machinery; adapter-specific field shapes
// (Kiro's accessToken/refreshToken/expiresAt/authMethod) ride on top of it.
type CredentialStore struct {
	lockTimeout time.Duration
}

// NewCredentialStore constructs a store with the given lock-acquisition
// timeout.
func NewCredentialStore(lockTimeout time.Duration) *CredentialStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &CredentialStore{lockTimeout: lockTimeout}
}

// WatchDir watches primaryPath's parent directory for changes to any sibling
// credential JSON file (an operator hand-editing a token file, or another
// process completing a login flow) and calls onChange whenever one is
// written or renamed into place. It runs until ctx is cancelled; a failure
// to start the watcher is logged by the caller via the returned error and is
// not otherwise fatal, since Load() already re-reads from disk on every
// call — this only shortens the delay until the next reload.
func (s *CredentialStore) WatchDir(ctx context.Context, primaryPath string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("providerpool: create credential watcher: %w", err)
	}

	dir := filepath.Dir(primaryPath)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("providerpool: watch credential dir %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Load merges, in order: an optional base64-encoded JSON bundle, the primary
// credential file, then every sibling *.json file in the primary file's
// directory (for split client-id/refresh-token layouts). Missing files are
// not fatal. Sibling keys win over the bundle/primary EXCEPT expiresAt,
// which always comes from the primary file when present there.
func (s *CredentialStore) Load(primaryPath string, base64Bundle string) (map[string]any, error) {
	merged := map[string]any{}

	if strings.TrimSpace(base64Bundle) != "" {
		decoded, err := base64.StdEncoding.DecodeString(base64Bundle)
		if err == nil {
			var bundle map[string]any
			if json.Unmarshal(decoded, &bundle) == nil {
				mergeInto(merged, bundle)
			}
		}
	}

	var primaryExpiresAt any
	hadPrimaryExpiresAt := false

	if data, err := os.ReadFile(primaryPath); err == nil {
		var primary map[string]any
		if jerr := json.Unmarshal(data, &primary); jerr != nil {
			return nil, fmt.Errorf("providerpool: parse credential file %s: %w", primaryPath, jerr)
		}
		mergeInto(merged, primary)
		if v, ok := primary["expiresAt"]; ok {
			primaryExpiresAt, hadPrimaryExpiresAt = v, true
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("providerpool: read credential file %s: %w", primaryPath, err)
	}

	dir := filepath.Dir(primaryPath)
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			siblingPath := filepath.Join(dir, entry.Name())
			if siblingPath == primaryPath {
				continue
			}
			data, rerr := os.ReadFile(siblingPath)
			if rerr != nil {
				continue
			}
			var sibling map[string]any
			if json.Unmarshal(data, &sibling) != nil {
				continue
			}
			mergeInto(merged, sibling)
		}
	}

	if hadPrimaryExpiresAt {
		merged["expiresAt"] = primaryExpiresAt
	}

	if region, ok := merged["region"].(string); !ok || strings.TrimSpace(region) == "" {
		merged["region"] = "us-east-1"
	}

	return merged, nil
}

// Persist file-lock-guards a read-modify-write of the primary credential
// file: it reads whatever is currently on disk, overlays updates, and
// writes the result back, so a concurrent external process editing the
// same file cannot tear the JSON.
func (s *CredentialStore) Persist(primaryPath string, updates map[string]any) error {
	lock := newFileLock(primaryPath)
	if err := lock.acquire(s.lockTimeout); err != nil {
		return err
	}
	defer lock.release()

	current := map[string]any{}
	if data, err := os.ReadFile(primaryPath); err == nil {
		_ = json.Unmarshal(data, &current)
	} else if !os.IsNotExist(err) {
		return err
	}

	mergeInto(current, updates)

	if dir := filepath.Dir(primaryPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	tmp := primaryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, primaryPath)
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
