// Package config loads the spicelink tool's TOML profile.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/chronologos/spicelink/internal/control"
	"github.com/chronologos/spicelink/internal/protocol"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the whole profile.
type Config struct {
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	Controller  Controller  `toml:"controller"`
	ForeignMenu ForeignMenu `toml:"foreign_menu"`
	Link        Link        `toml:"link"`
	VDIPort     VDIPort     `toml:"vdiport"`
}

// Controller is what `controller send` pushes to a client, and what
// `controller listen` expects.
type Controller struct {
	Socket      string `toml:"socket"`
	Credentials uint64 `toml:"credentials"`
	Exclusive   bool   `toml:"exclusive"`

	Host             string            `toml:"host"`
	Port             uint32            `toml:"port"`
	SPort            uint32            `toml:"sport"`
	Password         string            `toml:"password"`
	SecureChannels   []string          `toml:"secure_channels"`
	DisableChannels  []string          `toml:"disable_channels"`
	TLSCiphers       string            `toml:"tls_ciphers"`
	CAFile           string            `toml:"ca_file"`
	HostSubject      string            `toml:"host_subject"`
	Title            string            `toml:"title"`
	Hotkeys          map[string]string `toml:"hotkeys"`
	Menu             string            `toml:"menu"`
	FullScreen       bool              `toml:"full_screen"`
	AutoDisplayRes   bool              `toml:"auto_display_res"`
	Smartcard        bool              `toml:"smartcard"`
	ColorDepth       uint32            `toml:"color_depth"`
	DisableEffects   []string          `toml:"disable_effects"`
	USB              bool              `toml:"usb"`
	USBAutoshare     bool              `toml:"usb_autoshare"`
	USBFilter        string            `toml:"usb_filter"`
	Proxy            string            `toml:"proxy"`
	ConnectOnStartup bool              `toml:"connect"`
}

type ForeignMenu struct {
	Socket      string `toml:"socket"`
	Credentials uint64 `toml:"credentials"`
}

// Link addresses a SPICE server for `link dump`.
type Link struct {
	Address      string        `toml:"address"`
	Channel      string        `toml:"channel"`
	ChannelID    uint8         `toml:"channel_id"`
	ConnectionID uint32        `toml:"connection_id"`
	Password     string        `toml:"password"`
	DialTimeout  time.Duration `toml:"dial_timeout"`
}

type VDIPort struct {
	Path    string        `toml:"path"`
	Delay   time.Duration `toml:"delay"`
	MaxWait time.Duration `toml:"max_wait"`
}

// Default returns the profile used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Controller: Controller{
			Socket: "/tmp/spicec-controller",
			Port:   5900,
		},
		ForeignMenu: ForeignMenu{
			Socket: "/tmp/spicec-foreign-menu",
		},
		Link: Link{
			Address:     "localhost:5900",
			Channel:     "main",
			DialTimeout: 10 * time.Second,
		},
		VDIPort: VDIPort{
			Path: "/dev/shm/spicelink-vdiport",
		},
	}
}

// Load reads path over the defaults and validates the result. Keys the
// profile does not know are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalid, path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses a profile held in memory.
func Decode(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that the TOML types alone cannot.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	if c.Controller.Port > 65535 || c.Controller.SPort > 65535 {
		return fmt.Errorf("%w: controller port out of range", ErrInvalid)
	}
	if c.Controller.Menu != "" {
		if _, err := control.ParseMenu(c.Controller.Menu); err != nil {
			return fmt.Errorf("%w: controller.menu: %v", ErrInvalid, err)
		}
	}
	for _, list := range [][]string{c.Controller.SecureChannels, c.Controller.DisableChannels} {
		for _, name := range list {
			if _, ok := protocol.ParseChannelType(name); !ok {
				return fmt.Errorf("%w: unknown channel %q", ErrInvalid, name)
			}
		}
	}
	if _, ok := protocol.ParseChannelType(c.Link.Channel); !ok {
		return fmt.Errorf("%w: link.channel: unknown channel %q", ErrInvalid, c.Link.Channel)
	}
	if c.VDIPort.Delay < 0 || c.VDIPort.MaxWait < 0 {
		return fmt.Errorf("%w: vdiport durations must not be negative", ErrInvalid)
	}
	return nil
}

// Commands renders the controller section as the command sequence an
// application sends after init. Unset fields are skipped; show and, when
// requested, connect come last.
func (c *Controller) Commands() []control.Command {
	var cmds []control.Command
	str := func(op control.Opcode, s string) {
		if s != "" {
			cmds = append(cmds, control.StringCommand(op, s))
		}
	}
	list := func(op control.Opcode, l []string) { str(op, strings.Join(l, ",")) }
	val := func(op control.Opcode, v uint32) {
		if v != 0 {
			cmds = append(cmds, control.ValueCommand(op, v))
		}
	}
	flag := func(op control.Opcode, b bool) {
		if b {
			cmds = append(cmds, control.ValueCommand(op, 1))
		}
	}

	str(control.OpHost, c.Host)
	val(control.OpPort, c.Port)
	val(control.OpSPort, c.SPort)
	str(control.OpPassword, c.Password)
	list(control.OpSecureChannels, c.SecureChannels)
	list(control.OpDisableChannels, c.DisableChannels)
	str(control.OpTLSCiphers, c.TLSCiphers)
	str(control.OpCAFile, c.CAFile)
	str(control.OpHostSubject, c.HostSubject)
	str(control.OpSetTitle, c.Title)
	if len(c.Hotkeys) > 0 {
		var pairs []string
		for _, action := range slices.Sorted(maps.Keys(c.Hotkeys)) {
			pairs = append(pairs, action+"="+c.Hotkeys[action])
		}
		list(control.OpHotkeys, pairs)
	}
	str(control.OpCreateMenu, c.Menu)

	var fs uint32
	if c.FullScreen {
		fs |= control.FullScreenSet
	}
	if c.AutoDisplayRes {
		fs |= control.AutoDisplayRes
	}
	val(control.OpFullScreen, fs)

	flag(control.OpEnableSmartcard, c.Smartcard)
	val(control.OpColorDepth, c.ColorDepth)
	list(control.OpDisableEffects, c.DisableEffects)
	flag(control.OpEnableUSB, c.USB)
	flag(control.OpEnableUSBAutoshare, c.USBAutoshare)
	str(control.OpUSBFilter, c.USBFilter)
	str(control.OpProxy, c.Proxy)

	cmds = append(cmds, control.BareCommand(control.OpShow))
	if c.ConnectOnStartup {
		cmds = append(cmds, control.BareCommand(control.OpConnect))
	}
	return cmds
}

// InitFlags returns the controller init flags word.
func (c *Controller) InitFlags() uint32 {
	if c.Exclusive {
		return control.InitFlagExclusive
	}
	return 0
}
