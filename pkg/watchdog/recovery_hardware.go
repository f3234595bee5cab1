package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

const (
	gpioBasePath     = "/sys/class/gpio"
	i2cClockPulses   = 9
	hardwareAttempts = 3
)

// RecoverHardware recovers the two buses the installation's sensors and
// tuners hang off: the I2C bus (driver reload plus the standard 9-pulse
// clock unstick) and the GPIO pins (unexport/re-export with an
// accessibility check). The buses are handled independently so one
// healthy bus never gets reset because of the other.
func (w *Watchdog) RecoverHardware(ctx context.Context) error {
	collection := errors.NewErrorCollection()

	if err := w.recoverI2C(ctx); err != nil {
		w.logger.Errorf("I2C recovery failed: %v", err)
		collection.Add(err)
	}
	if err := w.recoverGPIO(); err != nil {
		w.logger.Errorf("GPIO recovery failed: %v", err)
		collection.Add(err)
	}
	return collection.ToError()
}

// recoverI2C reloads the bus drivers, bit-bangs nine clock pulses to
// free any device left mid-transaction, and probes the bus, retrying
// the whole sequence with backoff.
func (w *Watchdog) recoverI2C(ctx context.Context) error {
	attempt := func() error {
		w.logger.Infof("Reloading I2C drivers")
		w.runner.Run(ctx, "modprobe", "-r", "i2c_bcm2835")
		w.runner.Run(ctx, "modprobe", "-r", "i2c_dev")
		w.settle()
		if _, err := w.runner.Run(ctx, "modprobe", "i2c_bcm2835"); err != nil {
			return err
		}
		if _, err := w.runner.Run(ctx, "modprobe", "i2c_dev"); err != nil {
			return err
		}

		if err := w.pulseI2CClock(); err != nil {
			w.logger.Warnf("I2C clock pulse sequence failed: %v", err)
		}

		w.settle()
		if !w.sampler.hardwareHealthy(ctx) {
			return errors.NewInternalError("I2C devices still not answering", nil).
				WithContext("addresses", fmt.Sprintf("%v", w.cfg.I2CAddresses))
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), hardwareAttempts)
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// pulseI2CClock drives the bus clock line through sysfs GPIO: nine
// pulses step any wedged device past the byte it was stuck in.
func (w *Watchdog) pulseI2CClock() error {
	pin := strconv.Itoa(w.cfg.I2CClockPin)
	gpioDir := filepath.Join(gpioBasePath, "gpio"+pin)

	if err := os.WriteFile(filepath.Join(gpioBasePath, "export"), []byte(pin), 0o200); err != nil && !os.IsExist(err) {
		if _, statErr := os.Stat(gpioDir); statErr != nil {
			return errors.NewIOError("failed to export I2C clock pin", err).WithContext("pin", pin)
		}
	}
	defer os.WriteFile(filepath.Join(gpioBasePath, "unexport"), []byte(pin), 0o200)

	if err := os.WriteFile(filepath.Join(gpioDir, "direction"), []byte("out"), 0o644); err != nil {
		return errors.NewIOError("failed to set clock pin direction", err).WithContext("pin", pin)
	}

	valuePath := filepath.Join(gpioDir, "value")
	for i := 0; i < i2cClockPulses; i++ {
		if err := os.WriteFile(valuePath, []byte("0"), 0o644); err != nil {
			return errors.NewIOError("failed to drive clock pin", err).WithContext("pin", pin)
		}
		time.Sleep(time.Millisecond)
		if err := os.WriteFile(valuePath, []byte("1"), 0o644); err != nil {
			return errors.NewIOError("failed to drive clock pin", err).WithContext("pin", pin)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// recoverGPIO re-exports the hardware-control pin and verifies it is
// accessible afterwards.
func (w *Watchdog) recoverGPIO() error {
	pin := strconv.Itoa(w.cfg.GPIOPin)
	gpioDir := filepath.Join(gpioBasePath, "gpio"+pin)

	attempt := func() error {
		os.WriteFile(filepath.Join(gpioBasePath, "unexport"), []byte(pin), 0o200)
		w.settle()
		if err := os.WriteFile(filepath.Join(gpioBasePath, "export"), []byte(pin), 0o200); err != nil {
			return errors.NewIOError("failed to export GPIO pin", err).WithContext("pin", pin)
		}
		if _, err := os.Stat(filepath.Join(gpioDir, "value")); err != nil {
			return errors.NewIOError("GPIO pin not accessible after export", err).WithContext("pin", pin)
		}
		return nil
	}

	return backoff.Retry(attempt, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), hardwareAttempts))
}
