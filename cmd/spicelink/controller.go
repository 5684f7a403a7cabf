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

func controllerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Drive or emulate a client's controller socket",
	}
	cmd.AddCommand(controllerSendCmd(a), controllerListenCmd(a))
	return cmd
}

func controllerSendCmd(a *app) *cobra.Command {
	var (
		socket string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "send [command[=value]...]",
		Short: "Connect to a client's controller socket and send commands",
		Long: `Connect to the controller socket and send commands.

With no arguments the profile's [controller] section is sent. Otherwise
each argument names one command, e.g.

  spicelink controller send host=vm1 port=5900 set-title=VM1 show connect`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl := a.cfg.Controller
			if socket != "" {
				ctrl.Socket = socket
			}

			cmds := ctrl.Commands()
			if len(args) > 0 {
				cmds = cmds[:0]
				for _, arg := range args {
					c, err := parseCommandArg(arg)
					if err != nil {
						return err
					}
					cmds = append(cmds, c)
				}
			}

			return a.run(cmd, func(ctx context.Context) error {
				conn, err := transport.Dial(ctx, transport.DialConfig{Network: "unix", Address: ctrl.Socket, Log: a.log})
				if err != nil {
					return err
				}
				sess, err := control.Connect(conn, control.Config{
					Protocol:    control.Controller,
					Credentials: ctrl.Credentials,
					Log:         a.log,
					Metrics:     a.metrics,
				}, control.ControllerInitTail(ctrl.InitFlags()))
				if err != nil {
					return err
				}
				defer sess.Close()
				context.AfterFunc(ctx, func() { sess.Close() })

				for _, c := range cmds {
					m, err := c.Msg()
					if err != nil {
						return err
					}
					if err := sess.SendMsg(m); err != nil {
						return fmt.Errorf("send %s: %w", c.Op, err)
					}
					a.log.WithField("op", c.Op.String()).Debug("sent command")
				}
				a.log.WithField("commands", len(cmds)).Info("controller commands sent")
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
					c, err := control.ParseCommand(m)
					if err != nil {
						a.log.WithError(err).Warn("ignoring message from client")
						continue
					}
					if c.Op == control.OpMenuItemClick {
						fmt.Printf("menu-item-click %d\n", c.Value)
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "controller socket path (overrides the profile)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stay connected and print menu item clicks")

	return cmd
}

// parseCommandArg parses "name" or "name=value" into a command. The value
// is a number for value opcodes and text for string ones.
func parseCommandArg(arg string) (control.Command, error) {
	name, value, hasValue := strings.Cut(arg, "=")
	op, ok := control.ParseOpcode(name)
	if !ok || op == control.OpMenuItemClick {
		return control.Command{}, fmt.Errorf("%w: %q", control.ErrUnknownOpcode, name)
	}
	kind, _ := op.Kind()
	switch kind {
	case control.KindBare:
		if hasValue {
			return control.Command{}, fmt.Errorf("%w: %s takes no value", control.ErrBadCommand, name)
		}
		return control.BareCommand(op), nil
	case control.KindValue:
		if !hasValue {
			value = "1"
		}
		v, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return control.Command{}, fmt.Errorf("%w: %s: %v", control.ErrBadCommand, name, err)
		}
		return control.ValueCommand(op, uint32(v)), nil
	default:
		if !hasValue {
			return control.Command{}, fmt.Errorf("%w: %s needs a value", control.ErrBadCommand, name)
		}
		return control.StringCommand(op, value), nil
	}
}

func controllerListenCmd(a *app) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Emulate a client: accept controller connections and apply their commands",
		Long: `Listen on the controller socket the way a client does, logging the
settings and events each application pushes.

Lines read from stdin are menu item ids; each one is clicked in the menu
of the most recent application and reported back to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl := a.cfg.Controller
			if socket != "" {
				ctrl.Socket = socket
			}
			ln, err := transport.ListenUnix(ctrl.Socket)
			if err != nil {
				return err
			}
			a.log.WithField("socket", ctrl.Socket).Info("waiting for controllers")

			var reg controllerRegistry
			go reg.clicks(os.Stdin, a.log)

			return a.run(cmd, func(ctx context.Context) error {
				return transport.Serve(ctx, ln, func(ctx context.Context, conn net.Conn) error {
					return reg.serve(ctx, conn, control.Config{
						Protocol:    control.Controller,
						Credentials: ctrl.Credentials,
						Log:         a.log,
						Metrics:     a.metrics,
					})
				}, a.log)
			})
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "controller socket path (overrides the profile)")

	return cmd
}

// controllerRegistry tracks the connected applications. An exclusive
// application shuts out everyone else while it is connected.
type controllerRegistry struct {
	mu        sync.Mutex
	exclusive *control.Session
	latest    *controllerConn
}

type controllerConn struct {
	sess  *control.Session
	mu    sync.Mutex
	state control.ControllerState
}

func (r *controllerRegistry) serve(ctx context.Context, conn net.Conn, cfg control.Config) error {
	sess, err := control.Accept(conn, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()
	log := cfg.Log.WithField("session", sess.ID().String())

	flags := control.ControllerFlags(sess.Init())
	r.mu.Lock()
	if r.exclusive != nil {
		r.mu.Unlock()
		return errors.New("an exclusive controller is connected")
	}
	if flags&control.InitFlagExclusive != 0 {
		r.exclusive = sess
	}
	cc := &controllerConn{sess: sess}
	r.latest = cc
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.exclusive == sess {
			r.exclusive = nil
		}
		if r.latest == cc {
			r.latest = nil
		}
		r.mu.Unlock()
	}()
	log.WithField("exclusive", flags&control.InitFlagExclusive != 0).Info("controller connected")

	for {
		m, err := sess.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Info("controller disconnected")
				return nil
			}
			return err
		}
		c, err := control.ParseCommand(m)
		if err != nil {
			log.WithError(err).Warn("bad controller message")
			continue
		}
		cc.mu.Lock()
		ev, err := cc.state.Apply(c)
		menu := cc.state.Menu
		cc.mu.Unlock()
		if err != nil {
			log.WithError(err).WithField("op", c.Op.String()).Warn("command rejected")
			continue
		}

		fields := logrus.Fields{"op": c.Op.String()}
		if kind, _ := c.Op.Kind(); kind == control.KindValue {
			fields["value"] = c.Value
		} else if kind == control.KindString && c.Op != control.OpPassword {
			fields["text"] = c.Text
		}
		log.WithFields(fields).Info("command")

		switch ev {
		case control.EventNone:
		case control.EventMenuChanged:
			if menu != nil {
				fmt.Print(menu.String())
			} else {
				fmt.Println("menu deleted")
			}
		default:
			fmt.Println(ev)
		}
	}
}

// clicks reads menu item ids from r and reports each as clicked to the most
// recent controller.
func (r *controllerRegistry) clicks(in io.Reader, log *logrus.Entry) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseUint(line, 0, 32)
		if err != nil {
			log.WithField("line", line).Warn("expected a menu item id")
			continue
		}

		r.mu.Lock()
		cc := r.latest
		r.mu.Unlock()
		if cc == nil {
			log.Warn("no controller connected")
			continue
		}
		cc.mu.Lock()
		menu := cc.state.Menu
		cc.mu.Unlock()
		if menu == nil {
			log.Warn("controller has not sent a menu")
			continue
		}
		c, err := menu.Click(uint32(id))
		if err == nil {
			var m control.Msg
			if m, err = c.Msg(); err == nil {
				err = cc.sess.SendMsg(m)
			}
		}
		if err != nil {
			log.WithError(err).WithField("item", id).Warn("click failed")
		}
	}
}
