package control

import (
	"errors"
	"fmt"
	"strings"
)

// Opcode identifies a controller message.
type Opcode uint32

// Application to client.
const (
	OpHost Opcode = iota + 1
	OpPort
	OpSPort
	OpPassword
	OpSecureChannels
	OpDisableChannels
	OpTLSCiphers
	OpCAFile
	OpHostSubject
	OpFullScreen
	OpSetTitle
	OpCreateMenu
	OpDeleteMenu
	OpHotkeys
	OpSendCAD
	OpConnect
	OpShow
	OpHide
	OpEnableSmartcard
	OpColorDepth
	OpDisableEffects
	OpEnableUSB
	OpEnableUSBAutoshare
	OpUSBFilter
	OpProxy
)

// Client to application.
const OpMenuItemClick Opcode = 1001

// Init flags.
const InitFlagExclusive uint32 = 1 << 0

// OpFullScreen value bits.
const (
	FullScreenSet  uint32 = 1 << 0
	AutoDisplayRes uint32 = 1 << 1
)

// Kind is the body shape an opcode carries.
type Kind int

const (
	KindBare   Kind = iota // no body
	KindValue              // one uint32
	KindString             // NUL-terminated text
)

type opInfo struct {
	name string
	kind Kind
}

var opcodes = map[Opcode]opInfo{
	OpHost:               {"host", KindString},
	OpPort:               {"port", KindValue},
	OpSPort:              {"sport", KindValue},
	OpPassword:           {"password", KindString},
	OpSecureChannels:     {"secure-channels", KindString},
	OpDisableChannels:    {"disable-channels", KindString},
	OpTLSCiphers:         {"tls-ciphers", KindString},
	OpCAFile:             {"ca-file", KindString},
	OpHostSubject:        {"host-subject", KindString},
	OpFullScreen:         {"full-screen", KindValue},
	OpSetTitle:           {"set-title", KindString},
	OpCreateMenu:         {"create-menu", KindString},
	OpDeleteMenu:         {"delete-menu", KindBare},
	OpHotkeys:            {"hotkeys", KindString},
	OpSendCAD:            {"send-cad", KindBare},
	OpConnect:            {"connect", KindBare},
	OpShow:               {"show", KindBare},
	OpHide:               {"hide", KindBare},
	OpEnableSmartcard:    {"enable-smartcard", KindValue},
	OpColorDepth:         {"color-depth", KindValue},
	OpDisableEffects:     {"disable-effects", KindString},
	OpEnableUSB:          {"enable-usb", KindValue},
	OpEnableUSBAutoshare: {"enable-usb-autoshare", KindValue},
	OpUSBFilter:          {"usb-filter", KindString},
	OpProxy:              {"proxy", KindString},
	OpMenuItemClick:      {"menu-item-click", KindValue},
}

func (op Opcode) String() string {
	if info, ok := opcodes[op]; ok {
		return info.name
	}
	return fmt.Sprintf("Opcode(%d)", uint32(op))
}

// Kind reports the body shape of op, and false for an unknown opcode.
func (op Opcode) Kind() (Kind, bool) {
	info, ok := opcodes[op]
	return info.kind, ok
}

// ParseOpcode maps a name as printed by String back to its opcode.
func ParseOpcode(name string) (Opcode, bool) {
	for op, info := range opcodes {
		if info.name == name {
			return op, true
		}
	}
	return 0, false
}

var (
	ErrUnknownOpcode = errors.New("control: unknown opcode")
	ErrBadCommand    = errors.New("control: malformed command")
)

// Command is a decoded controller message. Value is set for KindValue
// opcodes and Text for KindString ones.
type Command struct {
	Op    Opcode
	Value uint32
	Text  string
}

// StringCommand, ValueCommand and BareCommand build commands of each kind.
func StringCommand(op Opcode, text string) Command { return Command{Op: op, Text: text} }
func ValueCommand(op Opcode, v uint32) Command     { return Command{Op: op, Value: v} }
func BareCommand(op Opcode) Command                { return Command{Op: op} }

// MenuItemClick is what the client sends when the user picks a menu item.
func MenuItemClick(id uint32) Command { return ValueCommand(OpMenuItemClick, id) }

// Body encodes the command's body for its opcode's kind.
func (c Command) Body() ([]byte, error) {
	kind, ok := c.Op.Kind()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint32(c.Op))
	}
	switch kind {
	case KindValue:
		return wire.AppendUint32(nil, c.Value), nil
	case KindString:
		if strings.IndexByte(c.Text, 0) >= 0 {
			return nil, fmt.Errorf("%w: %s text contains NUL", ErrBadCommand, c.Op)
		}
		return appendCString(nil, c.Text), nil
	}
	return nil, nil
}

// Msg encodes c as a framed message.
func (c Command) Msg() (Msg, error) {
	body, err := c.Body()
	if err != nil {
		return Msg{}, err
	}
	return Msg{ID: uint32(c.Op), Body: body}, nil
}

// ParseCommand decodes a controller message.
func ParseCommand(m Msg) (Command, error) {
	op := Opcode(m.ID)
	kind, ok := op.Kind()
	if !ok {
		return Command{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, m.ID)
	}
	c := Command{Op: op}
	switch kind {
	case KindValue:
		if len(m.Body) < 4 {
			return Command{}, fmt.Errorf("%w: %s needs a 4-byte value, have %d bytes", ErrBadCommand, op, len(m.Body))
		}
		c.Value = wire.Uint32(m.Body[:4])
	case KindString:
		c.Text = cstring(m.Body)
	}
	return c, nil
}

// EncodeControllerInit builds the controller init message.
func EncodeControllerInit(credentials uint64, flags uint32) []byte {
	return Controller.EncodeInit(credentials, ControllerInitTail(flags))
}

// ControllerInitTail is the part of the init after the credentials, as
// Connect takes it.
func ControllerInitTail(flags uint32) []byte { return wire.AppendUint32(nil, flags) }

// ControllerFlags returns the flags word of a controller init.
func ControllerFlags(init Init) uint32 {
	if len(init.Tail) < 4 {
		return 0
	}
	return wire.Uint32(init.Tail[:4])
}

// Event is a one-shot request a command asks of the client.
type Event int

const (
	EventNone Event = iota
	EventConnect
	EventShow
	EventHide
	EventSendCAD
	EventMenuChanged
)

func (e Event) String() string {
	return [...]string{"none", "connect", "show", "hide", "send-cad", "menu-changed"}[e]
}

// ControllerState accumulates the settings a controller pushes. It is the
// client side's view of the application's wishes.
type ControllerState struct {
	Host             string
	Port             uint32
	SPort            uint32
	Password         string
	SecureChannels   []string
	DisabledChannels []string
	TLSCiphers       string
	CAFile           string
	HostSubject      string
	Title            string
	Hotkeys          map[string]string
	Menu             *Menu
	FullScreen       uint32
	Smartcard        bool
	ColorDepth       uint32
	DisableEffects   []string
	USB              bool
	USBAutoshare     bool
	USBFilter        string
	Proxy            string
	Visible          bool
}

// Apply folds c into the state and reports the event it triggers, if any.
func (s *ControllerState) Apply(c Command) (Event, error) {
	switch c.Op {
	case OpHost:
		s.Host = c.Text
	case OpPort:
		s.Port = c.Value
	case OpSPort:
		s.SPort = c.Value
	case OpPassword:
		s.Password = c.Text
	case OpSecureChannels:
		s.SecureChannels = splitList(c.Text)
	case OpDisableChannels:
		s.DisabledChannels = splitList(c.Text)
	case OpTLSCiphers:
		s.TLSCiphers = c.Text
	case OpCAFile:
		s.CAFile = c.Text
	case OpHostSubject:
		s.HostSubject = c.Text
	case OpFullScreen:
		s.FullScreen = c.Value
	case OpSetTitle:
		s.Title = c.Text
	case OpCreateMenu:
		menu, err := ParseMenu(c.Text)
		if err != nil {
			return EventNone, err
		}
		s.Menu = menu
		return EventMenuChanged, nil
	case OpDeleteMenu:
		s.Menu = nil
		return EventMenuChanged, nil
	case OpHotkeys:
		hk, err := ParseHotkeys(c.Text)
		if err != nil {
			return EventNone, err
		}
		s.Hotkeys = hk
	case OpSendCAD:
		return EventSendCAD, nil
	case OpConnect:
		return EventConnect, nil
	case OpShow:
		s.Visible = true
		return EventShow, nil
	case OpHide:
		s.Visible = false
		return EventHide, nil
	case OpEnableSmartcard:
		s.Smartcard = c.Value != 0
	case OpColorDepth:
		s.ColorDepth = c.Value
	case OpDisableEffects:
		s.DisableEffects = splitList(c.Text)
	case OpEnableUSB:
		s.USB = c.Value != 0
	case OpEnableUSBAutoshare:
		s.USBAutoshare = c.Value != 0
	case OpUSBFilter:
		s.USBFilter = c.Text
	case OpProxy:
		s.Proxy = c.Text
	default:
		return EventNone, fmt.Errorf("%w: %s is not an application command", ErrUnknownOpcode, c.Op)
	}
	return EventNone, nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParseHotkeys parses "action=keys,action=keys".
func ParseHotkeys(s string) (map[string]string, error) {
	hk := make(map[string]string)
	for _, f := range splitList(s) {
		action, keys, ok := strings.Cut(f, "=")
		if !ok || action == "" || keys == "" {
			return nil, fmt.Errorf("%w: hotkey %q", ErrBadCommand, f)
		}
		hk[action] = keys
	}
	return hk, nil
}
