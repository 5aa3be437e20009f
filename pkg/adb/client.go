package adb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

var (
	ErrNoDevice        = errors.New("no online device")
	ErrAmbiguousDevice = errors.New("more than one online device, pick one with --serial")
)

// deviceIDPattern accepts USB serials ("emulator-5554"), ip:port pairs and
// mDNS names ("adb-xxxxx._adb-tls-connect._tcp.")
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// ValidateDeviceID rejects serials that could smuggle shell syntax
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(deviceID) > 256 {
		return fmt.Errorf("device ID too long (max 256 characters)")
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format: contains illegal characters")
	}
	return nil
}

// Client runs adb commands
type Client struct {
	adbPath string
	timeout time.Duration
}

// NewClient creates a client. An empty path resolves "adb" from PATH.
func NewClient(adbPath string) *Client {
	if adbPath == "" {
		adbPath = "adb"
		if p, err := exec.LookPath("adb"); err == nil {
			adbPath = p
		}
	}
	return &Client{adbPath: adbPath, timeout: 30 * time.Second}
}

// Path returns the adb binary path
func (c *Client) Path() string {
	return c.adbPath
}

// command builds an adb invocation without proxy variables, which break
// adb's local server connection on some hosts
func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.adbPath, args...)

	proxyVars := []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			filtered = append(filtered, e)
		}
	}
	cmd.Env = filtered
	return cmd
}

// Run executes fullCmd against serial. "shell ..." is passed to the device
// shell as one argument; anything else is split on whitespace.
func (c *Client) Run(ctx context.Context, serial, fullCmd string) (string, error) {
	if err := ValidateDeviceID(serial); err != nil {
		return "", fmt.Errorf("invalid device ID: %w", err)
	}

	fullCmd = strings.TrimSpace(fullCmd)
	if fullCmd == "" {
		return "", nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{"-s", serial}
	if strings.HasPrefix(fullCmd, "shell ") {
		args = append(args, "shell", strings.TrimPrefix(fullCmd, "shell "))
	} else {
		args = append(args, strings.Fields(fullCmd)...)
	}

	output, err := c.command(ctx, args...).CombinedOutput()
	res := string(output)
	if err != nil {
		return res, fmt.Errorf("command failed: %w, output: %s", err, strings.TrimSpace(res))
	}
	return strings.TrimSpace(res), nil
}

// Devices lists the devices adb knows about
func (c *Client) Devices(ctx context.Context) ([]types.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := c.command(ctx, "devices", "-l").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to run adb devices (path: %s): %w, output: %s", c.adbPath, err, string(output))
	}
	return parseDevices(string(output)), nil
}

func parseDevices(output string) []types.Device {
	var devices []types.Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices attached") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		d := types.Device{Serial: parts[0], State: parts[1], Type: "wired"}
		hasUSB := false
		for _, p := range parts[2:] {
			kv := strings.SplitN(p, ":", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "model":
				d.Model = kv[1]
			case "usb":
				hasUSB = true
			}
		}
		if !hasUSB && (strings.Contains(d.Serial, ":") || strings.Contains(d.Serial, "._tcp")) {
			d.Type = "wireless"
		}
		devices = append(devices, d)
	}
	return devices
}

// SelectDevice picks the device to drive. An explicit serial must be
// online. Otherwise a single online device wins, then the last used one.
func SelectDevice(devices []types.Device, serial, last string) (types.Device, error) {
	var online []types.Device
	for _, d := range devices {
		if d.Online() {
			online = append(online, d)
		}
	}

	if serial != "" {
		for _, d := range online {
			if d.Serial == serial {
				return d, nil
			}
		}
		return types.Device{}, fmt.Errorf("%w: %s", ErrNoDevice, serial)
	}

	switch len(online) {
	case 0:
		return types.Device{}, ErrNoDevice
	case 1:
		return online[0], nil
	}

	if last != "" {
		for _, d := range online {
			if d.Serial == last {
				logger.LogDebug("adb").Str("serial", last).Msg("Using last device")
				return d, nil
			}
		}
	}
	return types.Device{}, ErrAmbiguousDevice
}
