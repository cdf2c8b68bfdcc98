package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/executor"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/router"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

type routeFlags struct {
	kind       string
	source     string
	content    string
	repository string
	branch     string
	user       string
	probe      bool
}

func routeCmd(opts *options) *cobra.Command {
	f := &routeFlags{}
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show which servers a trigger would be sent to, without sending it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			log.Setup("ERROR", cfg.Service.LogFormat)

			snap, err := config.Compile(cfg)
			if err != nil {
				return err
			}
			trig, err := f.trigger()
			if err != nil {
				return err
			}

			var ropts []router.Option
			if f.probe {
				ropts = append(ropts, router.WithHealthProbe(executor.New()))
			}
			res, err := router.New(snap, ropts...).Route(cmd.Context(), trig)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.kind, "kind", string(trigger.KindUserPrompt), "trigger kind")
	fl.StringVar(&f.source, "source", "cli", "trigger source")
	fl.StringVar(&f.content, "content", "", "trigger content")
	fl.StringVar(&f.repository, "repository", "", "repository (owner/name)")
	fl.StringVar(&f.branch, "branch", "", "branch name")
	fl.StringVar(&f.user, "user", "", "user id")
	fl.BoolVar(&f.probe, "probe", false, "check server health instead of assuming every enabled server is up")
	return cmd
}

func (f *routeFlags) trigger() (trigger.Context, error) {
	kind, err := trigger.ParseKind(f.kind)
	if err != nil {
		return trigger.Context{}, err
	}
	t := trigger.New(kind, f.source)
	t.Content = f.content
	t.Repository = f.repository
	t.Branch = f.branch
	t.UserID = f.user
	if err := t.Validate(); err != nil {
		return trigger.Context{}, fmt.Errorf("invalid trigger: %w", err)
	}
	return t, nil
}
