package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/doctor"
)

func configCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and pin configuration",
	}
	cmd.AddCommand(configCheckCmd(opts), configFingerprintCmd(opts), configLockCmd(opts))
	return cmd
}

func configCheckCmd(opts *options) *cobra.Command {
	var strict, jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, summarize it and report likely mistakes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := opts.load(cmd)
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					for _, p := range verr.Problems {
						fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p)
					}
				}
				return err
			}
			snap, err := config.Compile(cfg)
			if err != nil {
				return err
			}

			report := doctor.New(cfg).Check()
			out := cmd.OutOrStdout()
			if jsonOut {
				js, err := doctor.FormatJSON(report)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, js)
			} else {
				enabled := 0
				for _, s := range snap.Servers {
					if s.Enabled {
						enabled++
					}
				}
				fmt.Fprintf(out, "config OK: %s\n", path)
				fmt.Fprintf(out, "servers: %d (%d enabled)\n", len(snap.Servers), enabled)
				fmt.Fprintf(out, "rules: %d (%d enabled)\n", len(snap.Rules), snap.EnabledRules())
				fmt.Fprintf(out, "schedules: %d\n", len(cfg.Schedules))
				fmt.Fprintf(out, "fingerprint: %s\n", snap.Fingerprint)
				fmt.Fprint(out, doctor.FormatHuman(report))
			}

			if strict && len(report.Warnings) > 0 {
				return fmt.Errorf("%d warning(s) in strict mode", len(report.Warnings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as failures")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the check report as JSON")
	return cmd
}

func configFingerprintCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			fp, err := config.Fingerprint(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
}

func configLockCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Write the checksum manifest pinning every config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}
			out, manifest, err := config.WriteChecksums(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d files)\n", out, len(manifest.Hashes))
			return nil
		},
	}
}
