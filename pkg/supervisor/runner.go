package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/persistence"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/processfile"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/protection"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/serviceconfig"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/servicemanager"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/watchdog"
)

// System is the wired-together supervision stack. Built once from a
// Config; the daemon and the CLI both go through it.
type System struct {
	Config      *Config
	Services    *servicemanager.Manager
	Persistence *persistence.Manager
	Protection  *protection.Manager
	Watchdog    *watchdog.Watchdog
	Logger      logging.Logger
}

// Build constructs the full stack from a validated configuration.
func Build(config *Config, logger logging.Logger) (*System, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	files := processfile.NewProcessFileManager(config.TmpDir, logger)
	scriptRunner := servicemanager.NewScriptRunner()

	services := servicemanager.NewManager(files, scriptRunner, logger)
	scripts := make(map[string]string)
	defaultModes := make(map[string]string)
	for _, d := range config.Services {
		if err := services.AddService(d); err != nil {
			return nil, err
		}
		if d.ManageScript != "" {
			scripts[d.Name] = d.ManageScript
		}
		if d.DefaultMode != "" {
			defaultModes[d.Name] = d.DefaultMode
		}
	}

	persist := persistence.NewManager(persistence.Options{
		StateFile: config.StateFile,
		EventLog:  config.EventLog,
		BasePath:  config.BasePath,
		Scripts:   scripts,
		Files:     files,
		Runner:    scriptRunner,
		Logger:    logger,
	})

	protect := protection.NewManager(protection.Options{
		TmpDir:        config.TmpDir,
		BasePath:      config.BasePath,
		DefaultModes:  defaultModes,
		Scripts:       scripts,
		LEDStatusFile: config.Protection.LEDStatusFile,
		Config:        serviceconfig.NewStore(config.BasePath, logger),
		Intent:        persist,
		Runner:        scriptRunner,
		Logger:        logger,
	})

	// Unless configured explicitly, the cleanup pass hunts stray workers
	// by the same patterns the service manager identifies them with.
	if len(config.Watchdog.StrayWorkerPatterns) == 0 {
		var patterns []string
		for _, d := range config.Services {
			patterns = append(patterns, d.ScriptPatterns...)
		}
		config.Watchdog.StrayWorkerPatterns = patterns
	}

	wd, err := watchdog.New(config.Watchdog, nil, logger)
	if err != nil {
		return nil, err
	}

	return &System{
		Config:      config,
		Services:    services,
		Persistence: persist,
		Protection:  protect,
		Watchdog:    wd,
		Logger:      logger,
	}, nil
}

// Run is the daemon entry point: restore persisted services, run the
// protection and watchdog loops, and persist the observed state again on
// shutdown. runDuration > 0 bounds the run for debugging.
func Run(runDuration int, configFile string, logger logging.Logger) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	system, err := Build(config, logger)
	if err != nil {
		return errors.NewValidationError("failed to build supervision stack", err).WithContext("config_file", configFile)
	}
	return system.Run(runDuration)
}

// Run starts the loops and blocks until a termination signal arrives or
// the optional run duration elapses.
func (s *System) Run(runDuration int) error {
	s.Logger.Infof("Restoring services (force_all=%v)", s.Config.ForceAllServices)
	if restored, err := s.Persistence.Restore(s.Config.ForceAllServices); err != nil {
		// Restoration problems are logged and survived; the loops can
		// still heal the system.
		s.Logger.Errorf("Service restoration incomplete: %v", err)
	} else if len(restored) > 0 {
		s.Logger.Infof("Restored services: %v", restored)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Protection.Loop(ctx, s.Config.Protection.Interval)
	}()
	go func() {
		defer wg.Done()
		s.Watchdog.Loop(ctx)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	if runDuration > 0 {
		select {
		case sig := <-signals:
			s.Logger.Infof("Received signal %v, shutting down", sig)
		case <-time.After(time.Duration(runDuration) * time.Second):
			s.Logger.Infof("Run duration elapsed, shutting down")
		}
	} else {
		sig := <-signals
		s.Logger.Infof("Received signal %v, shutting down", sig)
	}

	cancel()
	wg.Wait()

	// Best-effort persist of what actually runs right now, so the next
	// boot restores the set the operator last saw.
	if err := s.Persistence.UpdateRunningServices(); err != nil {
		s.Logger.Errorf("Failed to persist service state on shutdown: %v", err)
	}
	s.Logger.Infof("Supervisor stopped")
	return nil
}
