package filestore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/config/configstore"
	"github.com/andrej220/fleetexec/pkg/lg"
)

var _ configstore.ConfigStore = (*FileStore)(nil)

type FileStore struct {
	Path   string
	logger lg.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func New(path string, logger lg.Logger) *FileStore {
	if logger == nil {
		logger = lg.Discard
	}
	return &FileStore{Path: path, logger: logger}
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return errors.New("Load: output parameter must not be nil")
	}

	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		return errors.Wrapf(err, "Load: failed to read file %s", f.Path)
	}

	if len(bytes) == 0 {
		return errors.Newf("Load: config file %s is empty", f.Path)
	}

	if err := yaml.Unmarshal(bytes, out); err != nil {
		return errors.Wrapf(err, "Load: failed to parse YAML in %s", f.Path)
	}

	return nil
}

func (f *FileStore) Save(in any) error {
	if in == nil {
		return errors.New("Save: input parameter must not be nil")
	}

	bytes, err := yaml.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "Save: failed to marshal YAML")
	}

	// Write to temp file first
	tmpPath := f.Path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0600); err != nil {
		return errors.Wrapf(err, "Save: failed to write temp file %s", tmpPath)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return errors.Wrapf(err, "Save: failed to replace %s with %s", f.Path, tmpPath)
	}

	return nil
}

// Watch calls onChange after the file is written or replaced. The parent
// directory is watched so atomic renames by editors and Save are seen.
func (f *FileStore) Watch(onChange func()) error {
	if onChange == nil {
		return errors.New("onChange callback cannot be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}

	if err := watcher.Add(filepath.Dir(f.Path)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch directory of %s", f.Path)
	}
	f.mu.Lock()
	f.watcher = watcher
	f.mu.Unlock()

	target := filepath.Clean(f.Path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					f.logger.Debug("config file changed", lg.String("path", f.Path), lg.String("op", event.Op.String()))
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("config watcher error", lg.String("path", f.Path), lg.Err(err))
			}
		}
	}()

	return nil
}

// Close stops a running Watch.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	f.watcher = nil
	return err
}
