package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chronologos/spicelink/internal/control"
	"github.com/chronologos/spicelink/internal/transport"
)

func menuCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Foreign menu socket tools",
	}
	cmd.AddCommand(menuListenCmd(a), menuSendCmd(a))
	return cmd
}

func menuListenCmd(a *app) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Emulate a client: host foreign menus and print them as they change",
		Long: `Listen on the foreign menu socket the way a client does and print
each application's menu whenever it changes.

Lines read from stdin select items in the most recent menu: "id" clicks
an item, "id on" and "id off" set its check mark.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fm := a.cfg.ForeignMenu
			if socket != "" {
				fm.Socket = socket
			}
			ln, err := transport.ListenUnix(fm.Socket)
			if err != nil {
				return err
			}
			a.log.WithField("socket", fm.Socket).Info("waiting for foreign menus")

			cfg := control.Config{
				Protocol:    control.ForeignMenu,
				Credentials: fm.Credentials,
				Log:         a.log,
				Metrics:     a.metrics,
			}
			var hosts menuHosts
			go hosts.selections(os.Stdin, a.log)

			return a.run(cmd, func(ctx context.Context) error {
				return transport.Serve(ctx, ln, func(ctx context.Context, conn net.Conn) error {
					return hosts.serve(ctx, conn, cfg)
				}, a.log)
			})
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "foreign menu socket path (overrides the profile)")

	return cmd
}

// menuHosts tracks the attached foreign menus. Selections go to the one
// that attached last.
type menuHosts struct {
	mu     sync.Mutex
	latest *menuHost
}

type menuHost struct {
	sess  *control.Session
	mu    sync.Mutex
	state control.ForeignMenuState
}

func (h *menuHosts) serve(ctx context.Context, conn net.Conn, cfg control.Config) error {
	sess, err := control.Accept(conn, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	mh := &menuHost{sess: sess, state: control.ForeignMenuState{Title: control.ForeignMenuTitle(sess.Init())}}
	log := cfg.Log.WithFields(logrus.Fields{"session": sess.ID().String(), "title": mh.state.Title})
	log.Info("foreign menu connected")

	h.mu.Lock()
	prev := h.latest
	h.latest = mh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.latest == mh {
			h.latest = nil
		}
		h.mu.Unlock()
	}()

	// Only the newest menu is in front.
	if prev != nil {
		prev.send(&control.AppDeactivated{}, log)
	}
	mh.send(&control.AppActivated{}, log)

	for {
		m, err := sess.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Info("foreign menu disconnected")
				return nil
			}
			return err
		}
		msg, err := control.DecodeForeign(m)
		if err != nil {
			log.WithError(err).Warn("bad foreign menu message")
			continue
		}
		mh.mu.Lock()
		err = mh.state.Apply(msg)
		if err == nil {
			printForeignMenu(os.Stdout, &mh.state)
		}
		mh.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("foreign menu message rejected")
		}
	}
}

func (mh *menuHost) send(msg any, log *logrus.Entry) {
	m, err := control.EncodeForeign(msg)
	if err == nil {
		err = mh.sess.SendMsg(m)
	}
	if err != nil {
		log.WithError(err).Warnf("send %T", msg)
	}
}

// selections reads "id", "id on" or "id off" lines from r and reports each
// as an item event to the latest menu.
func (h *menuHosts) selections(r io.Reader, log *logrus.Entry) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		h.mu.Lock()
		mh := h.latest
		h.mu.Unlock()
		if mh == nil {
			log.Warn("no foreign menu attached")
			continue
		}

		mh.mu.Lock()
		ev, err := selectItem(&mh.state, f)
		mh.mu.Unlock()
		if err != nil {
			log.WithError(err).WithField("line", sc.Text()).Warn("selection failed")
			continue
		}
		mh.send(ev, log)
	}
}

// selectItem applies one selection line, already split into fields.
func selectItem(s *control.ForeignMenuState, f []string) (*control.ItemEvent, error) {
	id, err := strconv.ParseUint(f[0], 0, 32)
	if err != nil {
		return nil, err
	}
	switch {
	case len(f) == 1:
		return s.Click(uint32(id))
	case len(f) == 2 && f[1] == "on":
		return s.SetChecked(uint32(id), true)
	case len(f) == 2 && f[1] == "off":
		return s.SetChecked(uint32(id), false)
	}
	return nil, fmt.Errorf("want \"id [on|off]\", got %q", strings.Join(f, " "))
}

func printForeignMenu(w io.Writer, s *control.ForeignMenuState) {
	fmt.Fprintf(w, "[%s]\n", s.Title)
	for _, it := range s.Items {
		if it.Type&control.ItemSeparator != 0 {
			fmt.Fprintln(w, "  ----")
			continue
		}
		mark := " "
		if it.Type&control.ItemChecked != 0 {
			mark = "x"
		}
		dim := ""
		if it.Type&control.ItemDim != 0 {
			dim = " (dim)"
		}
		fmt.Fprintf(w, "  [%s] %d %s%s\n", mark, it.ID, it.Text, dim)
	}
}

func menuSendCmd(a *app) *cobra.Command {
	var (
		socket string
		title  string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "send id:text[:flags]...",
		Short: "Attach to a client's foreign menu socket and publish items",
		Long: `Publish a foreign menu. Each argument is one item; flags is a
combination of c (checked), d (dim) and s (separator), e.g.

  spicelink menu send --title Tools 1:Reboot 2:Verbose:c 3::s 4:Eject:d`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fm := a.cfg.ForeignMenu
			if socket != "" {
				fm.Socket = socket
			}
			msgs := []any{&control.SetTitle{Title: title}, &control.ClearMenu{}}
			for i, arg := range args {
				it, err := parseMenuItemArg(arg)
				if err != nil {
					return err
				}
				it.Position = uint32(i)
				msgs = append(msgs, it)
			}

			return a.run(cmd, func(ctx context.Context) error {
				conn, err := transport.Dial(ctx, transport.DialConfig{Network: "unix", Address: fm.Socket, Log: a.log})
				if err != nil {
					return err
				}
				sess, err := control.Connect(conn, control.Config{
					Protocol:    control.ForeignMenu,
					Credentials: fm.Credentials,
					Log:         a.log,
					Metrics:     a.metrics,
				}, control.ForeignMenuInitTail(title))
				if err != nil {
					return err
				}
				defer sess.Close()
				context.AfterFunc(ctx, func() { sess.Close() })

				for _, msg := range msgs {
					m, err := control.EncodeForeign(msg)
					if err != nil {
						return err
					}
					if err := sess.SendMsg(m); err != nil {
						return err
					}
				}
				if !wait {
					return nil
				}

				for {
					m, err := sess.Recv()
					if err != nil {
						if errors.Is(err, io.EOF) || ctx.Err() != nil {
							return ctx.Err()
						}
						return err
					}
					msg, err := control.DecodeForeign(m)
					if err != nil {
						a.log.WithError(err).Warn("ignoring message from client")
						continue
					}
					switch ev := msg.(type) {
					case *control.ItemEvent:
						fmt.Printf("item %d %s\n", ev.ID, ev.Action)
					case *control.AppActivated:
						fmt.Println("activated")
					case *control.AppDeactivated:
						fmt.Println("deactivated")
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "foreign menu socket path (overrides the profile)")
	cmd.Flags().StringVarP(&title, "title", "t", "spicelink", "menu title")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stay attached and print item events")

	return cmd
}

// parseMenuItemArg parses "id:text[:flags]".
func parseMenuItemArg(arg string) (*control.AddItem, error) {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("menu item %q: want id:text[:flags]", arg)
	}
	id, err := strconv.ParseUint(parts[0], 0, 32)
	if err != nil {
		return nil, fmt.Errorf("menu item %q: %w", arg, err)
	}
	it := &control.AddItem{ID: uint32(id), Text: parts[1]}
	if len(parts) == 3 {
		for _, f := range parts[2] {
			switch f {
			case 'c':
				it.Type |= control.ItemChecked
			case 'd':
				it.Type |= control.ItemDim
			case 's':
				it.Type |= control.ItemSeparator
			default:
				return nil, fmt.Errorf("menu item %q: unknown flag %q", arg, f)
			}
		}
	}
	return it, nil
}
