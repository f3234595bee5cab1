package watchdog

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
)

type sampler struct {
	cfg    Config
	runner CommandRunner
	logger logging.Logger
	client *http.Client
}

func newSampler(cfg Config, runner CommandRunner, logger logging.Logger) *sampler {
	return &sampler{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// systemMetrics samples CPU, memory, disk, temperature and uptime.
// Individual sampling failures degrade to zero values; a bad sensor must
// never kill a cycle.
func (s *sampler) systemMetrics(h *Health) {
	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		h.CPUPercent = percents[0]
	} else if err != nil {
		s.logger.Warnf("CPU sampling failed: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryPercent = vm.UsedPercent
	} else {
		s.logger.Warnf("Memory sampling failed: %v", err)
	}

	if usage, err := disk.Usage("/"); err == nil {
		h.DiskPercent = usage.UsedPercent
	} else {
		s.logger.Warnf("Disk sampling failed: %v", err)
	}

	h.CPUTemperature = s.cpuTemperature()

	if uptime, err := host.Uptime(); err == nil {
		h.UptimeSeconds = uptime
	}
}

// cpuTemperature reads the SoC thermal zone; the sysfs value is
// millidegrees.
func (s *sampler) cpuTemperature() float64 {
	data, err := os.ReadFile(s.cfg.ThermalZonePath)
	if err != nil {
		return 0
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return float64(milli) / 1000.0
}

// errorCount counts recent error-level journal entries for the
// supervised unit.
func (s *sampler) errorCount(ctx context.Context) int {
	output, err := s.runner.Run(ctx, "journalctl",
		"-u", s.cfg.ServiceUnit, "--since", "1 hour ago", "-p", "err", "-q", "--no-pager")
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// serviceHealthy checks the top-level application: its systemd unit must
// be active and its own health endpoint must answer 200.
func (s *sampler) serviceHealthy(ctx context.Context) bool {
	output, err := s.runner.Run(ctx, "systemctl", "is-active", s.cfg.ServiceUnit)
	if err != nil || strings.TrimSpace(output) != "active" {
		return false
	}
	return s.healthEndpointOK(ctx)
}

func (s *sampler) healthEndpointOK(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL, nil)
	if err == nil {
		resp, err := s.client.Do(req)
		if err == nil {
			defer resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}
	}

	// curl fallback: some failure modes (resolver, local socket limits)
	// can break the in-process client while curl still gets through.
	output, err := s.runner.Run(ctx, "curl", "-s", "-o", "/dev/null", "-w", "%{http_code}", "--max-time", "5", s.cfg.HealthURL)
	return err == nil && strings.TrimSpace(output) == "200"
}

// networkConnected applies the any-path policy: gateway ping OR internet
// ping OR a configured Ethernet address all count as connected, so a
// LAN-only exhibit with no internet egress never false-alarms.
func (s *sampler) networkConnected(ctx context.Context) bool {
	if gateway := s.defaultGateway(ctx); gateway != "" && s.ping(ctx, gateway) {
		return true
	}
	if s.ping(ctx, "8.8.8.8") {
		return true
	}
	return s.ethernetHasAddress()
}

func (s *sampler) defaultGateway(ctx context.Context) string {
	output, err := s.runner.Run(ctx, "ip", "route", "show", "default")
	if err != nil {
		return ""
	}
	fields := strings.Fields(output)
	for i, field := range fields {
		if field == "via" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func (s *sampler) ping(ctx context.Context, target string) bool {
	_, err := s.runner.Run(ctx, "ping", "-c", "1", "-W", "2", target)
	return err == nil
}

func (s *sampler) ethernetHasAddress() bool {
	interfaces, err := psnet.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range interfaces {
		if iface.Name != s.cfg.EthernetInterface {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := strings.SplitN(addr.Addr, "/", 2)[0]
			if ip != "" && !strings.HasPrefix(ip, "169.254.") && !strings.HasPrefix(ip, "fe80:") {
				return true
			}
		}
	}
	return false
}

// hardwareHealthy scans the I2C bus for the devices the installation
// depends on (light sensor, FM tuner).
func (s *sampler) hardwareHealthy(ctx context.Context) bool {
	output, err := s.runner.Run(ctx, "i2cdetect", "-y", strconv.Itoa(s.cfg.I2CBus))
	if err != nil {
		return false
	}

	// Only tokens after each row label count as detected addresses; the
	// labels themselves ("10:", "60:") appear in every scan, devices or
	// not.
	detected := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		for _, field := range fields[1:] {
			if field != "--" {
				detected[field] = struct{}{}
			}
		}
	}

	for _, addr := range s.cfg.I2CAddresses {
		if _, ok := detected[addr]; !ok {
			return false
		}
	}
	return true
}
