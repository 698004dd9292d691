package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/a8m/envsubst"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/urbridge/logging"
)

// A Watcher is responsible for watching for changes
// to a config from some source and delivering those changes
// to some destination.
type Watcher interface {
	Config() <-chan *Config
	Close() error
}

// NewWatcher returns an optimally selected Watcher based on the
// given config.
func NewWatcher(ctx context.Context, config *Config, logger logging.Logger) (Watcher, error) {
	if config.ConfigFilePath != "" {
		return newFSWatcher(ctx, config.ConfigFilePath, logger)
	}
	return noopWatcher{}, nil
}

// A fsConfigWatcher fetches new configs from the file it was read from.
type fsConfigWatcher struct {
	fsWatcher               *fsnotify.Watcher
	configCh                <-chan *Config
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// newFSWatcher returns a new watcher that will deliver new configs as soon as the underlying
// file is written to. The parent directory is watched so that editors replacing the file are
// noticed too.
func newFSWatcher(ctx context.Context, configPath string, logger logging.Logger) (*fsConfigWatcher, error) {
	configPath = filepath.Clean(configPath)
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(configPath)); err != nil {
		return nil, errors.Wrapf(multiClose(err, fsWatcher), "cannot watch %q", configPath)
	}

	lastRd, err := envsubst.ReadFile(configPath)
	if err != nil {
		return nil, multiClose(err, fsWatcher)
	}

	configCh := make(chan *Config)
	cancelCtx, cancel := context.WithCancel(ctx)
	watcher := &fsConfigWatcher{fsWatcher: fsWatcher, configCh: configCh, cancel: cancel}
	watcher.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			if cancelCtx.Err() != nil {
				return
			}
			select {
			case <-cancelCtx.Done():
				return
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				logger.Errorw("error watching config", "error", err)
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != configPath || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				rd, err := envsubst.ReadFile(configPath)
				if err != nil {
					if !os.IsNotExist(err) {
						logger.Errorw("error reading config after write", "error", err)
					}
					continue
				}
				if bytes.Equal(rd, lastRd) {
					continue
				}
				lastRd = rd
				newConfig, err := FromReader(cancelCtx, configPath, bytes.NewReader(rd), logger)
				if err != nil {
					logger.Errorw("error reading config after write", "error", err)
					continue
				}
				select {
				case <-cancelCtx.Done():
					return
				case configCh <- newConfig:
				}
			}
		}
	}, watcher.activeBackgroundWorkers.Done)
	return watcher, nil
}

func (w *fsConfigWatcher) Config() <-chan *Config {
	return w.configCh
}

func (w *fsConfigWatcher) Close() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.activeBackgroundWorkers.Wait()
	return err
}

func multiClose(err error, watcher *fsnotify.Watcher) error {
	goutils.UncheckedError(watcher.Close())
	return err
}

// A noopWatcher does nothing.
type noopWatcher struct{}

func (w noopWatcher) Config() <-chan *Config {
	return nil
}

func (w noopWatcher) Close() error {
	return nil
}
