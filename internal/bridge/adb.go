package bridge

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/electricbubble/gadb"
	"github.com/rs/zerolog"
)

// ADBDriver is the production Driver: device enumeration goes through
// gadb's client, everything else shells to the adb CLI the way the
// reference tooling this was ported from does.
type ADBDriver struct {
	adbPath    string
	serverAddr string
	log        zerolog.Logger

	mu     sync.Mutex
	client *gadb.Client
}

// New constructs an ADBDriver. adbPath is the adb binary to shell out to;
// serverAddr is the adb server's host:port (used for gadb and for the
// raw track-devices socket).
func New(adbPath, serverAddr string, log zerolog.Logger) *ADBDriver {
	return &ADBDriver{adbPath: adbPath, serverAddr: serverAddr, log: log}
}

func (d *ADBDriver) gadbClient() (*gadb.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	host, port := splitHostPort(d.serverAddr)
	c, err := gadb.NewClientWith(host, port)
	if err != nil {
		return nil, err
	}
	d.client = &c
	return d.client, nil
}

func splitHostPort(addr string) (string, int) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return "127.0.0.1", 5037
	}
	port := 5037
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// ListDevices enumerates currently attached devices via gadb.
func (d *ADBDriver) ListDevices() ([]DeviceEntry, error) {
	client, err := d.gadbClient()
	if err != nil {
		return nil, wrap(KindServerGone, "", err)
	}
	devices, err := client.DeviceList()
	if err != nil {
		return nil, wrap(KindServerGone, "", err)
	}
	out := make([]DeviceEntry, 0, len(devices))
	for _, dev := range devices {
		state, err := dev.State()
		if err != nil {
			return nil, wrap(KindServerGone, dev.Serial(), err)
		}
		out = append(out, DeviceEntry{Serial: dev.Serial(), State: mapGadbState(state)})
	}
	return out, nil
}

func mapGadbState(s gadb.DeviceState) DeviceState {
	switch strings.ToLower(string(s)) {
	case "online", "device":
		return StateDevice
	case "offline":
		return StateOffline
	case "unauthorized":
		return StateUnauthorized
	case "connecting":
		return StateConnecting
	default:
		return StateUnknown
	}
}

func (d *ADBDriver) adbArgs(serial string, args ...string) []string {
	if serial == "" {
		return args
	}
	return append([]string{"-s", serial}, args...)
}

func (d *ADBDriver) run(ctx context.Context, serial string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.adbPath, d.adbArgs(serial, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// PushFile implements Driver.PushFile.
func (d *ADBDriver) PushFile(ctx context.Context, serial, localPath, remotePath string) error {
	_, err := d.run(ctx, serial, "push", localPath, remotePath)
	if err != nil {
		return wrap(KindPushFailed, serial, err)
	}
	return nil
}

// ForwardPort implements Driver.ForwardPort.
func (d *ADBDriver) ForwardPort(ctx context.Context, serial string, hostPort int, deviceAbstractSocket string) (int, error) {
	local := fmt.Sprintf("tcp:%d", hostPort)
	if hostPort == 0 {
		local = "tcp:0"
	}
	remote := fmt.Sprintf("localabstract:%s", deviceAbstractSocket)
	out, err := d.run(ctx, serial, "forward", local, remote)
	if err != nil {
		return 0, wrap(KindForwardFailed, serial, err)
	}
	if hostPort != 0 {
		return hostPort, nil
	}
	var bound int
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &bound); scanErr != nil {
		return 0, wrap(KindForwardFailed, serial, fmt.Errorf("could not parse bound port from %q", out))
	}
	return bound, nil
}

// UnforwardPort implements Driver.UnforwardPort.
func (d *ADBDriver) UnforwardPort(ctx context.Context, serial string, hostPort int) error {
	_, err := d.run(ctx, serial, "forward", "--remove", fmt.Sprintf("tcp:%d", hostPort))
	if err != nil {
		return wrap(KindForwardFailed, serial, err)
	}
	return nil
}

// GetProp implements Driver.GetProp.
func (d *ADBDriver) GetProp(ctx context.Context, serial, key string) (string, error) {
	out, err := d.run(ctx, serial, "shell", "getprop", key)
	if err != nil {
		return "", wrap(KindSpawnFailed, serial, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// spawnedProcess is the ProcessHandle returned by SpawnDeviceProcess.
type spawnedProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout chan string
}

func (p *spawnedProcess) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *spawnedProcess) Kill() error {
	p.cancel()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *spawnedProcess) Stdout() <-chan string { return p.stdout }

// SpawnDeviceProcess implements Driver.SpawnDeviceProcess.
func (d *ADBDriver) SpawnDeviceProcess(ctx context.Context, serial, classpath, mainClass string, args []string) (ProcessHandle, error) {
	shellCmd := fmt.Sprintf("CLASSPATH=%s app_process / %s %s", classpath, mainClass, strings.Join(args, " "))

	childCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(childCtx, d.adbPath, d.adbArgs(serial, "shell", shellCmd)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, wrap(KindSpawnFailed, serial, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, wrap(KindSpawnFailed, serial, err)
	}

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-childCtx.Done():
				return
			}
		}
	}()

	d.log.Debug().Str("serial", serial).Str("cmd", shellCmd).Msg("spawned device process")
	return &spawnedProcess{cmd: cmd, cancel: cancel, stdout: lines}, nil
}
