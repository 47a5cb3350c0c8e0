package main

import (
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/buildrun"
	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/hashverify"
	"github.com/gridref-data/streetbuild/internal/publish"
)

var (
	buildBundleID string
	buildResume   bool
	buildRebuild  bool
	buildRunID    string
	publishRunID  string
	publishActor  string
	publishAckAll bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build, verify, and publish datasets",
}

var buildRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the build pass pipeline for a bundle",
	Long:  "Runs every pass in order with per-pass checkpoints. --resume continues the lineage's failed run from its last checkpoint; --rebuild discards the lineage's prior outputs first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if buildResume && buildRebuild {
			return eris.Wrap(errclass.ErrValidation, "build: --resume and --rebuild are mutually exclusive")
		}
		bundleID, err := uuid.Parse(buildBundleID)
		if err != nil {
			return eris.Wrapf(errclass.ErrValidation, "build: invalid bundle id %q", buildBundleID)
		}

		mode := buildrun.ModeClean
		if buildResume {
			mode = buildrun.ModeResume
		}
		if buildRebuild {
			mode = buildrun.ModeRebuild
		}

		pool, err := appPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		sched, err := buildrun.NewScheduler(pool, cfg)
		if err != nil {
			return err
		}

		run, err := sched.Run(ctx, bundleID, mode)
		if err != nil {
			return err
		}

		cmd.Println(run.ID.String())
		return nil
	},
}

var buildVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-verify a built run's canonical hashes",
	Long:  "Recomputes every canonical object hash and the probability closure for the run and compares against the stored values. Any drift is a gate failure.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runID, err := uuid.Parse(buildRunID)
		if err != nil {
			return eris.Wrapf(errclass.ErrValidation, "build: invalid run id %q", buildRunID)
		}

		pool, err := appPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := hashverify.New(pool).Verify(ctx, runID); err != nil {
			return err
		}

		zap.L().Info("verification passed", zap.String("run_id", runID.String()))
		return nil
	},
}

var buildPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Atomically publish a built run",
	Long:  "Snapshots the run's final records into versioned api tables and repoints the stable lookup views in one transaction. Unacknowledged quality warnings block publish unless --ack-warnings is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runID, err := uuid.Parse(publishRunID)
		if err != nil {
			return eris.Wrapf(errclass.ErrValidation, "build: invalid run id %q", publishRunID)
		}

		pool, err := appPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		act, err := publish.Activate(ctx, pool, runID, publishActor, publishAckAll)
		if err != nil {
			return err
		}

		cmd.Println(act.DatasetVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.AddCommand(buildRunCmd)
	buildCmd.AddCommand(buildVerifyCmd)
	buildCmd.AddCommand(buildPublishCmd)

	buildRunCmd.Flags().StringVar(&buildBundleID, "bundle-id", "", "bundle to build")
	buildRunCmd.Flags().BoolVar(&buildResume, "resume", false, "resume the lineage's failed run")
	buildRunCmd.Flags().BoolVar(&buildRebuild, "rebuild", false, "discard prior outputs and rebuild")
	_ = buildRunCmd.MarkFlagRequired("bundle-id")

	buildVerifyCmd.Flags().StringVar(&buildRunID, "run-id", "", "build run to verify")
	_ = buildVerifyCmd.MarkFlagRequired("run-id")

	buildPublishCmd.Flags().StringVar(&publishRunID, "run-id", "", "build run to publish")
	buildPublishCmd.Flags().StringVar(&publishActor, "actor", "", "who is publishing (recorded in the audit log)")
	buildPublishCmd.Flags().BoolVar(&publishAckAll, "ack-warnings", false, "acknowledge outstanding quality warnings while publishing")
	_ = buildPublishCmd.MarkFlagRequired("run-id")
	_ = buildPublishCmd.MarkFlagRequired("actor")
}
