// Command patchwork-to-pr turns locally saved patchwork series into pull
// requests on a GitHub repository, one run at a time.
//
// The local series collection is produced by a separate fetch stage; this
// command only reconciles it against the remote repository's open pull
// requests and issues.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedd-an/action-patchwork-to-pr/internal/apply"
	"github.com/tedd-an/action-patchwork-to-pr/internal/executor"
	"github.com/tedd-an/action-patchwork-to-pr/internal/forge"
	"github.com/tedd-an/action-patchwork-to-pr/internal/notify"
	"github.com/tedd-an/action-patchwork-to-pr/internal/reconcile"
	"github.com/tedd-an/action-patchwork-to-pr/internal/series"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		seriesPath  string
		baseRepo    string
		baseBranch  string
		dryRun      bool
		verbose     bool
		createDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "patchwork-to-pr",
		Short: "Create pull requests from saved patchwork series",
		Long: "patchwork-to-pr reconciles a local collection of patch series with a\n" +
			"GitHub repository: each series that applies cleanly onto the base branch\n" +
			"becomes a pull request, each series that fails to apply becomes a tracking\n" +
			"issue, and artifacts of series that no longer exist locally are closed.\n" +
			"The run is idempotent and safe to re-run on a schedule.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			token := os.Getenv("GITHUB_TOKEN")
			if token == "" && !dryRun {
				return errors.New("GITHUB_TOKEN must be set")
			}

			remote, err := forge.NewGitHub(baseRepo, token, forge.WithLogger(log))
			if err != nil {
				return err
			}

			// The git checkout being reconciled is the current directory,
			// the same contract the original GitHub action had.
			workDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determining working directory: %w", err)
			}

			run := executor.New(executor.WithLogger(log))
			engine := apply.NewEngine(workDir, baseBranch, run, apply.WithLogger(log))
			source := series.NewRepository(seriesPath, series.WithLogger(log))
			notifier := notify.New(
				notify.NewSMTPSender(notify.SMTPConfigFromEnv()),
				notify.WithLogger(log),
				notify.WithMaintainer(os.Getenv("EMAIL_MAINTAINER")),
			)

			rec := reconcile.New(source, remote, engine, notifier, reconcile.Config{
				BaseBranch:  baseBranch,
				DryRun:      dryRun,
				CreateDelay: createDelay,
			}, reconcile.WithLogger(log))

			if err := rec.Run(context.Background()); err != nil {
				log.Error("run aborted", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&seriesPath, "series-path", "s", "./series",
		"folder containing the saved patch series")
	cmd.Flags().StringVarP(&baseRepo, "base-repo", "r", "",
		"repo the pull requests target, OWNER/REPO format (e.g. bluez/bluez)")
	cmd.Flags().StringVarP(&baseBranch, "base-branch", "b", "master",
		"branch in base-repo the pull requests target")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"log every decision without mutating anything")
	cmd.Flags().DurationVar(&createDelay, "create-delay", time.Second,
		"pause before each PR or issue creation")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	_ = cmd.MarkFlagRequired("base-repo")

	return cmd
}
