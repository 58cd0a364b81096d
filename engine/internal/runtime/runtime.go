// Package runtime watches a configuration file on disk and emits a change
// event whenever its contents change, so callers can hot-reload derived
// state (the HFGCS aircraft-type registry) without a restart.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileConfig is the generic payload watched by HotReloadSystem. Callers
// decode Raw into their own typed structure after a change is reported;
// Checksum lets DetectChanges short-circuit when bytes are identical.
type FileConfig struct {
	Raw      []byte
	Checksum string
}

type HotReloadSystem struct {
	configPath string
	watcher    *fsnotify.Watcher
	isWatching bool
	mutex      sync.Mutex
}

type ConfigChange struct {
	Config           *FileConfig
	ChangeType       string
	ChangedAt        time.Time
	PreviousChecksum string
}

func NewHotReloadSystem(configPath string) (*HotReloadSystem, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &HotReloadSystem{configPath: configPath, watcher: watcher}, nil
}

// WatchConfigChanges watches the directory containing configPath (fsnotify
// cannot watch a single bind-mounted file reliably across editors that
// replace-on-save) and reports a ConfigChange whenever the file's checksum
// differs from the last observed one.
func (hrs *HotReloadSystem) WatchConfigChanges(ctx context.Context) (<-chan *ConfigChange, <-chan error) {
	changes := make(chan *ConfigChange, 10)
	errs := make(chan error, 10)
	hrs.mutex.Lock()
	if hrs.isWatching {
		hrs.mutex.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	configDir := filepath.Dir(hrs.configPath)
	if err := hrs.watcher.Add(configDir); err != nil {
		hrs.mutex.Unlock()
		errs <- fmt.Errorf("watch dir %s: %w", configDir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	hrs.isWatching = true
	hrs.mutex.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		var last *FileConfig
		for {
			select {
			case e, ok := <-hrs.watcher.Events:
				if !ok {
					return
				}
				if e.Name != hrs.configPath {
					continue
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				nc, err := hrs.loadConfigFromFile()
				if err != nil {
					errs <- err
					continue
				}
				if hrs.DetectChanges(last, nc) {
					ch := &ConfigChange{Config: nc, ChangeType: "file_modified", ChangedAt: time.Now()}
					if last != nil {
						ch.PreviousChecksum = last.Checksum
					}
					changes <- ch
					last = nc
				}
			case err, ok := <-hrs.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

func (hrs *HotReloadSystem) StopWatching() error {
	hrs.mutex.Lock()
	defer hrs.mutex.Unlock()
	if hrs.isWatching {
		hrs.isWatching = false
		return hrs.watcher.Close()
	}
	return nil
}

func (hrs *HotReloadSystem) DetectChanges(oldC, newC *FileConfig) bool {
	if oldC == nil && newC == nil {
		return false
	}
	if oldC == nil || newC == nil {
		return true
	}
	return oldC.Checksum != newC.Checksum
}

// LoadNow reads and checksums the watched file without waiting for an
// fsnotify event, for initial startup load.
func (hrs *HotReloadSystem) LoadNow() (*FileConfig, error) {
	return hrs.loadConfigFromFile()
}

func (hrs *HotReloadSystem) loadConfigFromFile() (*FileConfig, error) {
	data, err := os.ReadFile(hrs.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	sum := sha256.Sum256(data)
	return &FileConfig{Raw: data, Checksum: fmt.Sprintf("%x", sum)}, nil
}

// DecodeYAML is a convenience for callers that know the watched file is
// YAML (the HFGCS aircraft-type registry); kept separate from loading so
// tests can exercise DetectChanges against arbitrary byte payloads.
func DecodeYAML(fc *FileConfig, out interface{}) error {
	if fc == nil || len(fc.Raw) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(fc.Raw, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// MarshalJSON lets ConfigChange values be logged/published as event fields.
func (c *ConfigChange) MarshalJSON() ([]byte, error) {
	type alias struct {
		ChangeType       string    `json:"change_type"`
		ChangedAt        time.Time `json:"changed_at"`
		PreviousChecksum string    `json:"previous_checksum,omitempty"`
		Checksum         string    `json:"checksum,omitempty"`
	}
	a := alias{ChangeType: c.ChangeType, ChangedAt: c.ChangedAt, PreviousChecksum: c.PreviousChecksum}
	if c.Config != nil {
		a.Checksum = c.Config.Checksum
	}
	return json.Marshal(a)
}
