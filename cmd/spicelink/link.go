package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"

	"github.com/chronologos/spicelink/internal/channel"
	"github.com/chronologos/spicelink/internal/protocol"
	"github.com/chronologos/spicelink/internal/transport"
)

func linkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a channel to a SPICE server",
	}
	cmd.AddCommand(linkDumpCmd(a))
	return cmd
}

func linkDumpCmd(a *app) *cobra.Command {
	var (
		address    string
		chanName   string
		useTLS     bool
		tlsOpts    transport.TLSOptions
		count      int
		dumpBodies bool
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Link one channel and print every message the server sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			lc := a.cfg.Link
			if address != "" {
				lc.Address = address
			}
			if chanName != "" {
				lc.Channel = chanName
			}
			typ, ok := protocol.ParseChannelType(lc.Channel)
			if !ok {
				return fmt.Errorf("unknown channel type %q", lc.Channel)
			}

			var tlsConf *tls.Config
			if useTLS {
				if tlsOpts.ServerName == "" {
					host, _, err := net.SplitHostPort(lc.Address)
					if err != nil {
						return err
					}
					tlsOpts.ServerName = host
				}
				var err error
				if tlsConf, err = transport.ClientTLSConfig(tlsOpts); err != nil {
					return err
				}
			}

			return a.run(cmd, func(ctx context.Context) error {
				conn, err := transport.Dial(ctx, transport.DialConfig{
					Network:        "tcp",
					Address:        lc.Address,
					TLS:            tlsConf,
					AttemptTimeout: lc.DialTimeout,
					Log:            a.log,
				})
				if err != nil {
					return err
				}
				defer conn.Close()
				context.AfterFunc(ctx, func() { conn.Close() })

				ch, err := channel.Link(conn, channel.LinkConfig{
					ConnectionID: lc.ConnectionID,
					Type:         typ,
					ID:           lc.ChannelID,
					Password:     lc.Password,
					AutoAck:      true,
					Log:          a.log,
					Metrics:      a.metrics,
				})
				if err != nil {
					return err
				}
				fmt.Printf("linked %s:%d header=%s\n", ch.Type(), ch.ID(), ch.Mode())

				for n := 0; count <= 0 || n < count; n++ {
					in, err := ch.Recv()
					if err != nil {
						if errors.Is(err, io.EOF) || ctx.Err() != nil {
							return ctx.Err()
						}
						return err
					}
					printInbound(in, dumpBodies)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "server host:port (overrides the profile)")
	cmd.Flags().StringVar(&chanName, "channel", "", "channel type, e.g. main or display (overrides the profile)")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "connect over TLS")
	cmd.Flags().StringVar(&tlsOpts.CAFile, "ca-file", "", "PEM bundle of trusted roots")
	cmd.Flags().StringVar(&tlsOpts.HostSubject, "host-subject", "", `expected certificate subject, e.g. "C=IL, O=Red Hat, CN=my server"`)
	cmd.Flags().StringVar(&tlsOpts.Ciphers, "tls-ciphers", "", "allowed TLS 1.2 cipher suites")
	cmd.Flags().BoolVar(&tlsOpts.Insecure, "insecure", false, "skip certificate chain verification")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many messages")
	cmd.Flags().BoolVar(&dumpBodies, "hex", false, "hex dump message bodies")

	return cmd
}

func printInbound(in *channel.Inbound, bodies bool) {
	if in.Gap != nil {
		fmt.Printf("-- %v\n", in.Gap)
	}
	fmt.Printf("serial=%d type=%d size=%d\n", in.Serial, in.Type, len(in.Body))
	if bodies && len(in.Body) > 0 {
		fmt.Print(hex.Dump(in.Body))
	}
	for i, sub := range in.Subs {
		fmt.Printf("  sub[%d] type=%d offset=%d size=%d\n", i, sub.Type, sub.Offset, len(sub.Payload))
	}
	if in.SubErr != nil {
		fmt.Printf("  sub-message list: %v\n", in.SubErr)
	}
}
