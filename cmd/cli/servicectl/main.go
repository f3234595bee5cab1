package main

import (
	"fmt"
	"os"
	"sort"

	flags "github.com/jessevdk/go-flags"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/supervisor"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/watchdog"
)

type flagOptions struct {
	Config   string `long:"config" short:"c" description:"Configuration file path (YAML)" required:"true"`
	LogLevel string `long:"log-level" description:"Log level (debug, info, warn, error)" default:"warn"`
	All      bool   `long:"all" description:"Restore every service instead of the previously running set"`
	Args     struct {
		Action  string `positional-arg-name:"action" description:"start|stop|status|save|restore|clear|protect|unprotect|health"`
		Service string `positional-arg-name:"service" description:"Service name (for start/stop/protect/unprotect)"`
	} `positional-args:"yes" required:"1"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logging.NewZapLogger(opts.LogLevel)
	if err != nil {
		fmt.Printf("Logger initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger("component: servicectl , ", logging.LogFuncs{
		Debugf: zapLogger.Debugf,
		Infof:  zapLogger.Infof,
		Warnf:  zapLogger.Warnf,
		Errorf: zapLogger.Errorf,
	})

	config, err := supervisor.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	system, err := supervisor.Build(config, logger)
	if err != nil {
		fmt.Printf("Failed to build supervision stack: %v\n", err)
		os.Exit(1)
	}

	if err := runAction(system, opts); err != nil {
		fmt.Printf("%s failed: %v\n", opts.Args.Action, err)
		os.Exit(1)
	}
}

func requireService(opts flagOptions) (string, error) {
	if opts.Args.Service == "" {
		return "", fmt.Errorf("action %q needs a service name", opts.Args.Action)
	}
	return opts.Args.Service, nil
}

func runAction(system *supervisor.System, opts flagOptions) error {
	switch opts.Args.Action {
	case "start":
		service, err := requireService(opts)
		if err != nil {
			return err
		}
		if err := system.Persistence.MarkManuallyStarted(service); err != nil {
			return err
		}
		if err := system.Services.Start(service); err != nil {
			return err
		}
		fmt.Printf("started %s\n", service)
		return system.Persistence.UpdateRunningServices()

	case "stop":
		service, err := requireService(opts)
		if err != nil {
			return err
		}
		if err := system.Services.Stop(service); err != nil {
			return err
		}
		if err := system.Persistence.MarkManuallyStopped(service); err != nil {
			return err
		}
		fmt.Printf("stopped %s\n", service)
		return nil

	case "status":
		printStatus(system)
		return nil

	case "save":
		return system.Persistence.UpdateRunningServices()

	case "restore":
		restored, err := system.Persistence.Restore(opts.All)
		if len(restored) > 0 {
			fmt.Printf("restored: %v\n", restored)
		} else {
			fmt.Println("nothing to restore")
		}
		return err

	case "clear":
		return system.Persistence.ClearState()

	case "protect":
		service, err := requireService(opts)
		if err != nil {
			return err
		}
		return system.Protection.Protect(service)

	case "unprotect":
		service, err := requireService(opts)
		if err != nil {
			return err
		}
		return system.Protection.Unprotect(service)

	case "health":
		return printHealth(system)

	default:
		return fmt.Errorf("unknown action %q", opts.Args.Action)
	}
}

func printStatus(system *supervisor.System) {
	statuses := system.Services.StatusAll()
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	protectionStatus := system.Protection.Status()
	for _, name := range names {
		status := statuses[name]
		state := "stopped"
		if status.Running {
			state = fmt.Sprintf("running (pid %d)", status.PID)
		}
		extra := ""
		if ps, ok := protectionStatus.Services[name]; ok {
			if !ps.Protected {
				extra += " [unprotected]"
			}
			if ps.ManualStop {
				extra += " [manually stopped]"
			}
		}
		fmt.Printf("%-12s %s%s\n", name, state, extra)
	}
	if protectionStatus.PerformanceMode {
		fmt.Println("performance mode ACTIVE")
	}
}

func printHealth(system *supervisor.System) error {
	var h watchdog.Health
	if err := statestore.ReadJSON(system.Config.Watchdog.HealthFile, &h); err != nil {
		return fmt.Errorf("no health snapshot available (is supervisord running?): %w", err)
	}
	fmt.Printf("sampled:     %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("cpu:         %.1f%%\n", h.CPUPercent)
	fmt.Printf("memory:      %.1f%%\n", h.MemoryPercent)
	fmt.Printf("disk:        %.1f%%\n", h.DiskPercent)
	fmt.Printf("temperature: %.1fC\n", h.CPUTemperature)
	fmt.Printf("network:     %v\n", h.NetworkConnected)
	fmt.Printf("service:     %v\n", h.ServiceHealthy)
	fmt.Printf("hardware:    %v\n", h.HardwareHealthy)
	if len(h.Issues) > 0 {
		fmt.Printf("issues:      %v\n", h.Issues)
	}
	return nil
}
