package watchdog

import (
	"context"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

// networkTier is one named rung of the escalating network recovery
// ladder. A tier that fails is never retried; the ladder moves on.
type networkTier struct {
	name  string
	apply func(ctx context.Context) error
}

// RecoverNetwork walks the recovery ladder until connectivity returns.
// The primary tiers poke the WiFi interface and its daemons directly;
// the escalation tiers restart progressively larger parts of the stack,
// ending with a manual relaunch of the WiFi authentication daemon
// against the system configuration.
func (w *Watchdog) RecoverNetwork(ctx context.Context) error {
	iface := w.cfg.WiFiInterface

	tiers := []networkTier{
		{
			name: "interface-reset",
			apply: func(ctx context.Context) error {
				if _, err := w.runner.Run(ctx, "ip", "link", "set", iface, "down"); err != nil {
					return err
				}
				w.settle()
				_, err := w.runner.Run(ctx, "ip", "link", "set", iface, "up")
				return err
			},
		},
		{
			name: "wpa-supplicant-restart",
			apply: func(ctx context.Context) error {
				_, err := w.runner.Run(ctx, "systemctl", "restart", "wpa_supplicant")
				return err
			},
		},
		{
			name: "dhcp-renew",
			apply: func(ctx context.Context) error {
				// A failing release is fine, there may be no lease.
				w.runner.Run(ctx, "dhclient", "-r", iface)
				_, err := w.runner.Run(ctx, "dhclient", iface)
				return err
			},
		},
		{
			name: "networking-restart",
			apply: func(ctx context.Context) error {
				_, err := w.runner.Run(ctx, "systemctl", "restart", "networking")
				return err
			},
		},
		{
			name: "network-manager-restart",
			apply: func(ctx context.Context) error {
				_, err := w.runner.Run(ctx, "systemctl", "restart", "NetworkManager")
				return err
			},
		},
		{
			name: "full-stack-reset",
			apply: func(ctx context.Context) error {
				w.runner.Run(ctx, "systemctl", "stop", "networking")
				w.runner.Run(ctx, "systemctl", "stop", "wpa_supplicant")
				w.settle()
				if _, err := w.runner.Run(ctx, "systemctl", "start", "wpa_supplicant"); err != nil {
					return err
				}
				_, err := w.runner.Run(ctx, "systemctl", "start", "networking")
				return err
			},
		},
		{
			name: "manual-wpa-relaunch",
			apply: func(ctx context.Context) error {
				w.runner.Run(ctx, "pkill", "wpa_supplicant")
				w.settle()
				if _, err := w.runner.Run(ctx, "wpa_supplicant", "-B",
					"-i", iface, "-c", w.cfg.WPASupplicantConf, "-D", "nl80211"); err != nil {
					return err
				}
				_, err := w.runner.Run(ctx, "dhclient", iface)
				return err
			},
		},
	}

	for _, tier := range tiers {
		w.logger.Infof("Network recovery tier %q", tier.name)
		if err := tier.apply(ctx); err != nil {
			w.logger.Warnf("Network recovery tier %q failed: %v", tier.name, err)
			continue
		}
		w.settle()
		if w.sampler.networkConnected(ctx) {
			w.logger.Infof("Network recovered at tier %q", tier.name)
			w.refreshNetworkCache(true)
			return nil
		}
	}

	w.refreshNetworkCache(false)
	return errors.NewInternalError("network recovery exhausted all tiers", nil)
}

func (w *Watchdog) refreshNetworkCache(connected bool) {
	w.mu.Lock()
	w.cachedNetworkOK = connected
	w.networkEverChecked = true
	w.mu.Unlock()
}

// settle pauses long enough for an interface or daemon to come back
// before the result is re-tested.
func (w *Watchdog) settle() {
	if w.cfg.RecoverySettle > 0 {
		time.Sleep(w.cfg.RecoverySettle)
	}
}
