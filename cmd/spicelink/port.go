package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chronologos/spicelink/internal/vdiport"
)

type portFlags struct {
	path   string
	ring   string
	create bool
}

func (f *portFlags) register(cmd *cobra.Command, defaultRing string) {
	cmd.Flags().StringVar(&f.path, "path", "", "shared region file (overrides the profile)")
	cmd.Flags().StringVar(&f.ring, "ring", defaultRing, "ring to use: input or output")
	cmd.Flags().BoolVar(&f.create, "create", false, "create and format the region")
}

func (f *portFlags) open(a *app) (*vdiport.Mapping, *vdiport.Ring, error) {
	path := a.cfg.VDIPort.Path
	if f.path != "" {
		path = f.path
	}
	var pick func(*vdiport.Ram) *vdiport.Ring
	switch f.ring {
	case "input":
		pick = (*vdiport.Ram).Input
	case "output":
		pick = (*vdiport.Ram).Output
	default:
		return nil, nil, fmt.Errorf("unknown ring %q", f.ring)
	}
	m, err := vdiport.MapFile(path, f.create, vdiport.Options{Log: a.log, Metrics: a.metrics})
	if err != nil {
		return nil, nil, err
	}
	return m, pick(m.Ram), nil
}

func (a *app) streamConfig() vdiport.StreamConfig {
	return vdiport.StreamConfig{Delay: a.cfg.VDIPort.Delay, MaxWait: a.cfg.VDIPort.MaxWait}
}

func portCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Move bytes through a VDI port shared-memory region",
	}
	cmd.AddCommand(portPumpCmd(a), portDrainCmd(a), portResetCmd(a), portStatusCmd(a))
	return cmd
}

func portPumpCmd(a *app) *cobra.Command {
	var f portFlags

	cmd := &cobra.Command{
		Use:   "pump",
		Short: "Copy stdin into a ring until EOF",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ring, err := f.open(a)
			if err != nil {
				return err
			}
			defer m.Close()

			return a.run(cmd, func(ctx context.Context) error {
				return vdiport.Pump(ctx, os.Stdin, ring.Producer(), a.streamConfig())
			})
		},
	}
	f.register(cmd, "input")
	return cmd
}

func portDrainCmd(a *app) *cobra.Command {
	var f portFlags

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Copy a ring to stdout until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ring, err := f.open(a)
			if err != nil {
				return err
			}
			defer m.Close()

			return a.run(cmd, func(ctx context.Context) error {
				return vdiport.Drain(ctx, ring.Consumer(), os.Stdout, a.streamConfig())
			})
		},
	}
	f.register(cmd, "input")
	return cmd
}

func portResetCmd(a *app) *cobra.Command {
	var f portFlags

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Bump the region's generation so consumers resynchronize",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := f.open(a)
			if err != nil {
				return err
			}
			defer m.Close()

			gen := m.BumpGeneration()
			m.RaiseInterrupt(vdiport.InterruptPending)
			fmt.Printf("generation %d\n", gen)
			return nil
		},
	}
	f.register(cmd, "input")
	return cmd
}

func portStatusCmd(a *app) *cobra.Command {
	var f portFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the region's generation, interrupt words and ring fill",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := f.open(a)
			if err != nil {
				return err
			}
			defer m.Close()

			fmt.Printf("generation  %d\n", m.Generation())
			fmt.Printf("int mask    %#x\n", m.InterruptMask())
			for _, r := range []*vdiport.Ring{m.Input(), m.Output()} {
				fmt.Printf("%-11s %d/%d\n", r.Name(), r.Len(), vdiport.RingSize)
			}
			return nil
		},
	}
	f.register(cmd, "input")
	return cmd
}
