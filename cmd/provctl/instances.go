package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elpendex123/ec2-creator-local/internal/api"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

func newCreateCmd(o *options) *cobra.Command {
	var spec models.CreateSpec
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withService(cmd, func(ctx context.Context, svc api.Service) error {
				inst, err := svc.Provision(ctx, spec)
				if err != nil {
					return err
				}
				return printInstance(cmd.OutOrStdout(), o.output(), inst)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.Name, "name", "", "instance name")
	f.StringVar(&spec.ImageID, "ami", "", "image id")
	f.StringVar(&spec.InstanceClass, "instance-type", "t3.micro", "instance class")
	f.IntVar(&spec.StorageGB, "storage-gb", 8, "root volume size in GB")
	f.StringVar(&spec.Backend, "backend", "", "backend (default: the server's)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("ami")
	return cmd
}

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recorded instances, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withService(cmd, func(ctx context.Context, svc api.Service) error {
				list, err := svc.List(ctx)
				if err != nil {
					return err
				}
				return printInstances(cmd.OutOrStdout(), o.output(), list)
			})
		},
	}
}

func newGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, svc api.Service) error {
				inst, err := svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstance(cmd.OutOrStdout(), o.output(), inst)
			})
		},
	}
}

func newTransitionCmd(o *options, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, svc api.Service) error {
				call := svc.Start
				if verb == "stop" {
					call = svc.Stop
				}
				inst, err := call(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstance(cmd.OutOrStdout(), o.output(), inst)
			})
		},
	}
}

func newDestroyCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "destroy ID",
		Aliases: []string{"rm"},
		Short:   "Terminate an instance and forget it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, svc api.Service) error {
				if err := svc.Destroy(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", args[0])
				return err
			})
		},
	}
}

func newRefreshCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh ID",
		Short: "Compare an instance with its backend and update its address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, svc api.Service) error {
				d, err := svc.Refresh(ctx, args[0])
				if err != nil {
					return err
				}
				return printDrift(cmd.OutOrStdout(), o.output(), d)
			})
		},
	}
}

func newOrphansCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans BACKEND",
		Short: "List backend instances that have no local record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, svc api.Service) error {
				list, err := svc.Orphans(ctx, args[0])
				if err != nil {
					return err
				}
				return printObserved(cmd.OutOrStdout(), o.output(), list)
			})
		},
	}
}
