package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/fetcher"
	"github.com/gridref-data/streetbuild/internal/ingest"
	"github.com/gridref-data/streetbuild/internal/manifest"
)

var (
	ingestManifestPath string
	ingestLocalDir     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Source acquisition and registration",
}

var ingestSourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Acquire and register one source release",
	Long:  "Downloads (or reads locally) every file named in a source manifest, verifies checksums, loads rows into the raw schema, and records the ingest run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		m, err := manifest.LoadSource(ingestManifestPath)
		if err != nil {
			return err
		}

		filePaths := make(map[string]string, len(m.Files))
		var acquirer *fetcher.Acquirer

		for _, f := range m.Files {
			if ingestLocalDir != "" {
				local := filepath.Join(ingestLocalDir, f.Name)
				if _, err := os.Stat(local); err == nil {
					filePaths[f.Name] = local
					continue
				}
			}
			if f.URL == "" {
				return eris.Wrapf(errclass.ErrValidation,
					"ingest: file %s has no url and was not found locally", f.Name)
			}

			if acquirer == nil {
				acquirer, err = fetcher.NewAcquirer(cfg.Fetch)
				if err != nil {
					return err
				}
				defer acquirer.Close() //nolint:errcheck
			}

			path, _, err := acquirer.Fetch(ctx, f.URL)
			if err != nil {
				return err
			}
			filePaths[f.Name] = path
		}

		pool, err := appPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		runID, err := ingest.New(pool).Register(ctx, m, filePaths)
		if err != nil {
			return err
		}

		zap.L().Info("source registered",
			zap.String("source", m.Source),
			zap.String("release", m.Release),
			zap.String("ingest_run_id", runID.String()),
		)
		cmd.Println(runID.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.AddCommand(ingestSourceCmd)

	ingestSourceCmd.Flags().StringVar(&ingestManifestPath, "manifest", "", "path to the source manifest YAML")
	ingestSourceCmd.Flags().StringVar(&ingestLocalDir, "dir", "", "directory holding already-downloaded files (skips fetching)")
	_ = ingestSourceCmd.MarkFlagRequired("manifest")
}
