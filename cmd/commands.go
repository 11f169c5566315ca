package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest-guardian/aces-landcover/internal/cache"
	"github.com/forest-guardian/aces-landcover/internal/dataset"
	"github.com/forest-guardian/aces-landcover/internal/delivery"
	"github.com/forest-guardian/aces-landcover/internal/earthengine"
	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/ml"
	"github.com/forest-guardian/aces-landcover/internal/ml/onnx"
	"github.com/forest-guardian/aces-landcover/internal/notification"
	"github.com/forest-guardian/aces-landcover/internal/output"
	"github.com/forest-guardian/aces-landcover/internal/properties"
	"github.com/forest-guardian/aces-landcover/internal/raster"
	"github.com/forest-guardian/aces-landcover/internal/session"
	"github.com/forest-guardian/aces-landcover/internal/storage"
	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
	"github.com/forest-guardian/aces-landcover/internal/ui"
	"github.com/spf13/cobra"
)

var (
	statsImage   string
	statsRegion  string
	statsScale   float64
	previewOut   string
	historyPath  string
	plotDir      string
	pointsPath   string
	exportTarget string
)

var rootCmd = &cobra.Command{
	Use:           "aces",
	Short:         "Land cover classification pipeline on Earth Engine exports",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := properties.LoadEnv(envFiles...); err != nil {
			return err
		}
		loaded, err := properties.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		jobName = cmd.Name()
		logger.SetLevel(cfg.LogLevel)
		notifier = notification.NewDiscord(cfg.DiscordErrorURL, cfg.DiscordSuccessURL)
		if !quiet {
			ui.PrintBanner()
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Classify exported image tiles and publish the result as an asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		model, err := loadModel(cfg)
		if err != nil {
			return err
		}
		defer model.Close()

		runner := &storage.DefaultCommandRunner{}
		job := &delivery.PredictionJob{
			Config:    cfg,
			Tiles:     storage.ForPath(cfg.ImageDirPrefix(), runner),
			Publisher: &storage.GSUtil{Runner: runner},
			Registry:  &storage.EarthEngineCLI{Runner: runner},
			Model:     model,
		}
		result, err := job.Run(ctx)
		if err != nil {
			return fmt.Errorf("prediction failed: %w", err)
		}
		if result.Dropped > 0 {
			ui.PrintWarning(fmt.Sprintf("%d trailing predictions did not fill a patch and were dropped", result.Dropped))
		}
		msg := fmt.Sprintf("Wrote %d patches to %s", result.Patches, result.OutputFile)
		if result.AssetID != "" {
			msg += fmt.Sprintf("\nRegistered %s as %s", result.OutputPath, result.AssetID)
		}
		ui.PrintSuccess(msg)
		return notifier.Success(ctx, "predict", msg)
	},
}

var exportPatchesCmd = &cobra.Command{
	Use:   "export-patches",
	Short: "Download a training patch around every sample point",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pe := cfg.PatchExport
		if pointsPath != "" {
			pe.SamplePoints = pointsPath
		}
		points, err := dataset.LoadSamplePoints(pe.SamplePoints)
		if err != nil {
			return err
		}
		logger.Infof("Exporting %d patches of %s with %d workers", len(points), pe.Image, pe.Workers)

		job := &delivery.PatchExportJob{
			Config: pe,
			Image:  earthengine.ImageLoad(pe.Image),
			Points: points,
			NewFetcher: func(ctx context.Context) (delivery.PatchFetcher, error) {
				d, err := newDownloader(ctx, cfg)
				if err != nil {
					return nil, err
				}
				return d, nil
			},
			Cache: cache.NewFileCache[*dataset.Patch](filepath.Join(pe.CacheDir, "patches")),
		}
		result, err := job.Run(ctx)
		if err != nil {
			return fmt.Errorf("patch export failed: %w", err)
		}
		msg := fmt.Sprintf("Exported %d/%d/%d training/validation/testing patches (%d filtered), manifest at %s",
			result.Written[dataset.SplitTraining], result.Written[dataset.SplitValidation],
			result.Written[dataset.SplitTesting], result.Filtered, result.Manifest)
		ui.PrintSuccess(msg)
		return notifier.Success(ctx, "export-patches", msg)
	},
}

var exportTableCmd = &cobra.Command{
	Use:   "export-table",
	Short: "Sample the image under the training collection and export it as a table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx, cfg)
		if err != nil {
			return err
		}
		te := cfg.TableExport
		if exportTarget != "" {
			te.Target = exportTarget
		}
		task, err := delivery.ExportSampledTable(ctx, client, cfg.GCSBucket, te)
		if err != nil {
			return err
		}
		if task.Operation == "" {
			ui.PrintInfo(fmt.Sprintf("Prepared export %s without starting it", task.Description))
			return nil
		}
		ui.PrintSuccess(fmt.Sprintf("Started export %s as %s", task.Description, task.Operation))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print mean, min and max of an image over a region",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx, cfg)
		if err != nil {
			return err
		}
		stats, err := delivery.ComputeStatistics(ctx, client, statsImage, statsRegion, statsScale)
		if err != nil {
			return err
		}
		ui.PrintTable(earthengine.SortedStatKeys(stats), stats)
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render the prediction file to a PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tiles := storage.ForPath(cfg.ImageDirPrefix(), &storage.DefaultCommandRunner{})
		files, err := tiles.List(ctx, cfg.ImageDirPrefix())
		if err != nil {
			return err
		}
		_, mixerPath, err := delivery.ExportedFiles(files)
		if err != nil {
			return err
		}
		rc, err := tiles.Open(ctx, mixerPath)
		if err != nil {
			return err
		}
		mixer, err := dataset.ReadMixer(rc)
		rc.Close()
		if err != nil {
			return err
		}

		f, err := os.Open(cfg.OutputImageFile())
		if err != nil {
			return fmt.Errorf("failed to open prediction file: %w", err)
		}
		defer f.Close()
		reader, err := tfrecord.NewReader(f, tfrecord.CompressionNone)
		if err != nil {
			return err
		}
		img, err := output.RenderPreview(reader, mixer, cfg.ClassNames, nil, cfg.PreviewWidth)
		if err != nil {
			return err
		}
		out := previewOut
		if out == "" {
			out = strings.TrimSuffix(cfg.OutputImageFile(), ".TFRecord") + ".png"
		}
		if err := output.SavePreview(out, img); err != nil {
			return err
		}
		ui.PrintSuccess("PNG image created successfully as " + out)
		return nil
	},
}

var plotMetricsCmd = &cobra.Command{
	Use:   "plot-metrics",
	Short: "Chart the training history of a model",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := historyPath
		if path == "" {
			path = filepath.Join(cfg.ModelDir, "history.json")
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open training history: %w", err)
		}
		defer f.Close()
		history, err := output.ReadHistory(f)
		if err != nil {
			return err
		}
		dir := plotDir
		if dir == "" {
			dir = filepath.Join(cfg.ModelDir, "plots")
		}
		written, err := output.PlotMetrics(history, cfg.Metrics, dir)
		if err != nil {
			ui.PrintWarning(err.Error())
			return nil
		}
		ui.PrintSuccess(fmt.Sprintf("Wrote %s", strings.Join(written, ", ")))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env"}, "dotenv files to load")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "do not print the banner")

	exportPatchesCmd.Flags().StringVar(&pointsPath, "points", "", "sample points CSV (id,longitude,latitude[,label])")
	exportTableCmd.Flags().StringVar(&exportTarget, "target", "", "export target, only cloud is supported")
	statsCmd.Flags().StringVar(&statsImage, "image", "", "image asset id")
	statsCmd.Flags().StringVar(&statsRegion, "region", "", "feature collection asset id bounding the statistics")
	statsCmd.Flags().Float64Var(&statsScale, "scale", earthengine.DefaultStatsScale, "scale in metres")
	statsCmd.MarkFlagRequired("image")
	statsCmd.MarkFlagRequired("region")
	previewCmd.Flags().StringVarP(&previewOut, "out", "o", "", "PNG output path")
	plotMetricsCmd.Flags().StringVar(&historyPath, "history", "", "Keras history JSON")
	plotMetricsCmd.Flags().StringVarP(&plotDir, "out", "o", "", "directory for the charts")

	rootCmd.AddCommand(predictCmd, exportPatchesCmd, exportTableCmd, statsCmd, previewCmd, plotMetricsCmd)
}

func loadModel(cfg properties.Config) (ml.Model, error) {
	if cfg.Model.Backend == properties.BackendGRPC {
		logger.Infof("Using remote model at %s", cfg.Model.Address)
		m, err := ml.NewRemoteModel(cfg.Model.Address, cfg.Model.Timeout)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	logger.Infof("Loading model from %s", cfg.ModelPath())
	m, err := onnx.Load(cfg.ModelPath(), cfg.Model.OnnxLibrary)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func sessionOptions(cfg properties.Config) session.Options {
	return session.Options{
		KeyFile:       cfg.EEServiceCredentials,
		UseHighVolume: cfg.UseHighVolume,
		Project:       cfg.EEProject,
	}
}

func newClient(ctx context.Context, cfg properties.Config) (*earthengine.Client, error) {
	s, err := session.Open(ctx, sessionOptions(cfg))
	if err != nil {
		return nil, err
	}
	return earthengine.NewClient(s), nil
}

// newDownloader opens a high-volume session for one patch download.
func newDownloader(ctx context.Context, cfg properties.Config) (*earthengine.Downloader, error) {
	opts := sessionOptions(cfg)
	opts.UseHighVolume = true
	s, err := session.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	d := earthengine.NewDownloader(earthengine.NewClient(s))
	if strings.EqualFold(cfg.PatchExport.Format, earthengine.FormatGeoTIFF) {
		d.Format = earthengine.FormatGeoTIFF
		d.Decode = raster.DecodeGeoTIFF
	}
	return d, nil
}
