package adb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"Tapline/pkg/logger"
	"Tapline/pkg/uitree"
)

const (
	dumpFile      = "/data/local/tmp/view.xml"
	keycodeBack   = 4
	maxDumpTries  = 3
	defaultTapRPS = 5
)

// Device drives one attached device: it serves screen snapshots from
// uiautomator dumps and injects taps and key events.
type Device struct {
	client     *Client
	serial     string
	limiter    *rate.Limiter
	retryDelay time.Duration
}

// Options tune a Device
type Options struct {
	TapsPerSecond float64 // input events per second, burst of one
}

// NewDevice binds client to serial
func NewDevice(client *Client, serial string, opts Options) (*Device, error) {
	if err := ValidateDeviceID(serial); err != nil {
		return nil, err
	}
	rps := opts.TapsPerSecond
	if rps <= 0 {
		rps = defaultTapRPS
	}
	return &Device{
		client:     client,
		serial:     serial,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		retryDelay: 500 * time.Millisecond,
	}, nil
}

// Serial returns the device serial
func (d *Device) Serial() string {
	return d.serial
}

// DumpHierarchy returns the raw uiautomator XML. The dump is flaky on many
// devices, so it is retried after killing a stuck uiautomator.
func (d *Device) DumpHierarchy(ctx context.Context) (string, error) {
	var (
		xmlContent string
		err        error
	)
	combined := fmt.Sprintf("shell uiautomator dump %s && cat %s", dumpFile, dumpFile)

	for i := 0; i < maxDumpTries; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if i > 0 {
			d.client.Run(ctx, d.serial, "shell pkill uiautomator")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.retryDelay):
			}
		}

		xmlContent, err = d.client.Run(ctx, d.serial, combined)
		if err == nil && (strings.Contains(xmlContent, "<?xml") || strings.Contains(xmlContent, "<hierarchy")) {
			return xmlContent, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.LogDebug("adb").Int("retry", i+1).Int("maxRetries", maxDumpTries).Err(err).Msg("UI dump retry")
	}

	if err == nil {
		err = fmt.Errorf("unexpected dump output: %.80q", xmlContent)
	}
	return "", fmt.Errorf("failed to dump UI after %d attempts: %w", maxDumpTries, err)
}

// Source exposes the device screen as a snapshot source
func (d *Device) Source() *uitree.XMLSource {
	return uitree.NewXMLSource(d.DumpHierarchy)
}

// Click taps the centre of node's bounds
func (d *Device) Click(ctx context.Context, node *uitree.Node) error {
	if node.Bounds.Empty() {
		return fmt.Errorf("node %q has no bounds", node.Label)
	}
	x, y := node.Bounds.Center()
	return d.input(ctx, fmt.Sprintf("shell input tap %d %d", x, y))
}

// Back sends KEYCODE_BACK
func (d *Device) Back(ctx context.Context) error {
	return d.input(ctx, fmt.Sprintf("shell input keyevent %d", keycodeBack))
}

func (d *Device) input(ctx context.Context, cmd string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := d.client.Run(ctx, d.serial, cmd); err != nil {
		return err
	}
	logger.LogDebug("adb").Str("serial", d.serial).Str("cmd", cmd).Msg("Input sent")
	return nil
}
