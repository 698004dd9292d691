// Package server implements the entry point for running the bridge.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/robot"
	"go.viam.com/urbridge/web"
)

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"0,required,usage=bridge config file"`
	Debug      bool   `flag:"debug"`
}

// RunServer is an entry point to starting the bridge that can be called by main in a code
// sample or otherwise be used to initialize the server.
func RunServer(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	initialReadCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	cfg, err := config.Read(initialReadCtx, argsParsed.ConfigFile, logger)
	cancel()
	if err != nil {
		return err
	}

	closer, err := setupLogging(logger, cfg.Log, argsParsed.Debug)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closer.Close())
	}()

	err = serve(ctx, cfg, argsParsed, logger)
	if err != nil {
		logger.Errorw("error serving", "error", err)
	}
	return err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging applies the configured level and adds the file appender. The level is not
// lowered below debug when the debug flag is set.
func setupLogging(logger logging.Logger, cfg config.Log, debug bool) (io.Closer, error) {
	applyLevel(logger, cfg, debug)
	if cfg.File == "" {
		return nopCloser{}, nil
	}
	appender, closer := logging.NewFileAppender(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
	logger.AddAppender(appender)
	logger.Infow("logging to file", "file", cfg.File)
	return closer, nil
}

func applyLevel(logger logging.Logger, cfg config.Log, debug bool) {
	if debug {
		logger.SetLevel(logging.DEBUG)
		return
	}
	level := logging.INFO
	if cfg.Level != "" {
		// validated when the config was read
		level, _ = logging.LevelFromString(cfg.Level)
	}
	logger.SetLevel(level)
}

func serve(ctx context.Context, cfg *config.Config, argsParsed Arguments, logger logging.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	manager, err := robot.NewManager(ctx, cfg, logger.Sublogger("robots"), robot.Options{})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, manager.Close(context.Background()))
	}()

	svc := &webService{robots: manager, logger: logger.Sublogger("web")}
	if err := svc.start(ctx, cfg); err != nil {
		return err
	}
	defer svc.stop()

	// watch for and deliver changes to the robots
	watcher, err := config.NewWatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, watcher.Close())
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	oldCfg := cfg
	utils.ManagedGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg := <-watcher.Config():
				diff := config.DiffConfigs(*oldCfg, *newCfg)
				logger.Debugw("config changed", "diff", diff.String())
				applyLevel(logger, newCfg.Log, argsParsed.Debug)
				if err := manager.Reconfigure(ctx, newCfg); err != nil {
					logger.Errorw("error reconfiguring robots", "error", err)
					continue
				}
				// restart web service if necessary
				if !diff.NetworkEqual {
					svc.stop()
					if err := svc.start(ctx, newCfg); err != nil {
						logger.Errorw("error starting web service while reconfiguring", "error", err)
					}
				}
				oldCfg = newCfg
			}
		}
	}, wg.Done)
	defer wg.Wait()

	<-ctx.Done()
	return nil
}

// webService runs one web.Server at a time so network changes can rebind it.
type webService struct {
	robots web.Robots
	logger logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *webService) start(ctx context.Context, cfg *config.Config) error {
	listener, err := net.Listen("tcp", cfg.Network.Address())
	if err != nil {
		return err
	}
	handler := web.NewServer(s.robots, web.Options{
		Network: cfg.Network,
		Auth:    web.NewAuthenticator(cfg.Auth),
	}, s.logger)
	if cfg.Auth.Secret == "" {
		host, _, err := net.SplitHostPort(listener.Addr().String())
		if err == nil && net.ParseIP(host).IsUnspecified() {
			s.logger.Warn("binding to all interfaces without authentication")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()
	utils.PanicCapturingGo(func() {
		defer close(done)
		if err := web.Serve(ctx, listener, handler, s.logger); err != nil {
			s.logger.Errorw("error serving web", "error", err)
		}
	})
	return nil
}

func (s *webService) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
