package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chronologos/spicelink/internal/control"
)

const sample = `
log_level = "debug"
metrics_addr = "127.0.0.1:9100"

[controller]
socket = "/run/spice/ctrl"
credentials = 1234
exclusive = true
host = "spice.example.com"
port = 5930
password = "P@s5w0rd"
secure_channels = ["main", "inputs"]
title = "Hello from controller"
full_screen = true
auto_display_res = true
usb = true
connect = true
menu = "0\r1\rPlay\r0\r\n"

[controller.hotkeys]
toggle-fullscreen = "shift+f1"
release-cursor = "shift+f2"

[link]
address = "10.0.0.5:5900"
channel = "display"
channel_id = 1
dial_timeout = "3s"

[vdiport]
path = "/dev/shm/vdi"
delay = "5ms"
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spicelink.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeProfile(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" || cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Fatalf("top level %+v", cfg)
	}
	if cfg.Controller.Host != "spice.example.com" || cfg.Controller.Credentials != 1234 || !cfg.Controller.Exclusive {
		t.Fatalf("controller %+v", cfg.Controller)
	}
	if cfg.Link.DialTimeout != 3*time.Second || cfg.Link.Channel != "display" {
		t.Fatalf("link %+v", cfg.Link)
	}
	if cfg.VDIPort.Delay != 5*time.Millisecond {
		t.Fatalf("vdiport %+v", cfg.VDIPort)
	}
	// Defaults survive for sections the file leaves out.
	if cfg.ForeignMenu.Socket != Default().ForeignMenu.Socket {
		t.Fatalf("foreign menu socket %q", cfg.ForeignMenu.Socket)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":       "colour = 1\n",
		"bad level":         "log_level = \"loud\"\n",
		"bad channel":       "[controller]\nsecure_channels = [\"main\", \"video\"]\n",
		"bad link channel":  "[link]\nchannel = \"nope\"\n",
		"bad menu":          "[controller]\nmenu = \"0\\r1\\r\"\n",
		"port out of range": "[controller]\nport = 70000\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeProfile(t, body)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestControllerCommands(t *testing.T) {
	cfg, err := Decode(sample)
	if err != nil {
		t.Fatal(err)
	}
	want := []control.Command{
		control.StringCommand(control.OpHost, "spice.example.com"),
		control.ValueCommand(control.OpPort, 5930),
		control.StringCommand(control.OpPassword, "P@s5w0rd"),
		control.StringCommand(control.OpSecureChannels, "main,inputs"),
		control.StringCommand(control.OpSetTitle, "Hello from controller"),
		control.StringCommand(control.OpHotkeys, "release-cursor=shift+f2,toggle-fullscreen=shift+f1"),
		control.StringCommand(control.OpCreateMenu, "0\r1\rPlay\r0\r\n"),
		control.ValueCommand(control.OpFullScreen, control.FullScreenSet|control.AutoDisplayRes),
		control.ValueCommand(control.OpEnableUSB, 1),
		control.BareCommand(control.OpShow),
		control.BareCommand(control.OpConnect),
	}
	if diff := cmp.Diff(want, cfg.Controller.Commands()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if cfg.Controller.InitFlags() != control.InitFlagExclusive {
		t.Fatalf("init flags %#x", cfg.Controller.InitFlags())
	}
}

func TestCommandsDriveControllerState(t *testing.T) {
	cfg, err := Decode(sample)
	if err != nil {
		t.Fatal(err)
	}
	var st control.ControllerState
	for _, c := range cfg.Controller.Commands() {
		m, err := c.Msg()
		if err != nil {
			t.Fatal(err)
		}
		parsed, err := control.ParseCommand(m)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := st.Apply(parsed); err != nil {
			t.Fatalf("%s: %v", c.Op, err)
		}
	}
	if st.Host != "spice.example.com" || st.Hotkeys["toggle-fullscreen"] != "shift+f1" || !st.Visible {
		t.Fatalf("state %+v", st)
	}
}
