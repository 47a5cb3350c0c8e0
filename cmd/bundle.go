package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/buildrun"
	"github.com/gridref-data/streetbuild/internal/manifest"
)

var bundleManifestPath string

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Source bundle management",
}

var bundleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Pin a source selection as a build bundle",
	Long:  "Registers the ingest runs named in a bundle manifest as one hashed, immutable selection. Re-creating an identical selection returns the existing bundle.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		m, err := manifest.LoadBundle(bundleManifestPath)
		if err != nil {
			return err
		}

		pool, err := appPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		b, err := buildrun.CreateBundle(ctx, pool, m)
		if err != nil {
			return err
		}

		zap.L().Info("bundle ready",
			zap.String("bundle_id", b.ID.String()),
			zap.String("dataset_version", buildrun.DatasetVersion(b.Hash)),
		)
		cmd.Println(b.ID.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bundleCmd)
	bundleCmd.AddCommand(bundleCreateCmd)

	bundleCreateCmd.Flags().StringVar(&bundleManifestPath, "manifest", "", "path to the bundle manifest YAML")
	_ = bundleCreateCmd.MarkFlagRequired("manifest")
}
