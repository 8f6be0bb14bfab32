package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/cvdescent/internal/detector"
	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/processor"
	"github.com/andresmejia3/cvdescent/internal/utils"
)

var (
	distortOpts   Options
	distortInputs []string
	distortOutput string
	distortBarrel float64
)

var distortCmd = &cobra.Command{
	Use:   "distort",
	Short: "Distort faces in still images the same way the live feed does",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDistort(cmd.Context(), distortOpts)
	},
}

func init() {
	distortCmd.Flags().StringArrayVarP(&distortInputs, "input", "i", nil, "Input image (repeatable)")
	distortCmd.Flags().StringVarP(&distortOutput, "output", "o", "distorted", "Output directory")
	distortCmd.Flags().Float64Var(&distortBarrel, "barrel", 0, "Apply whole-image barrel distortion with this k instead of the face pipeline")

	registerPipelineFlags(distortCmd.Flags(), &distortOpts)
	distortCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(distortCmd)
}

func validateDistortFlags(opts *Options) error {
	for _, in := range distortInputs {
		info, err := os.Stat(in)
		if err != nil {
			if os.IsNotExist(err) {
				utils.ShowError("Input file does not exist", err, nil)
				return err
			}
			utils.ShowError("Unable to access input file", err, nil)
			return err
		}
		if info.IsDir() {
			err := fmt.Errorf("%s is a directory", in)
			utils.ShowError("Input path is a directory, expected an image file", err, nil)
			return err
		}
	}
	if distortBarrel != 0 {
		// Barrel mode needs neither the detector nor the classifier.
		opts.CascadePath = noCascade
		opts.Classifier = "none"
	}
	return validatePipelineFlags(opts)
}

// outputPath names the result after its input: photo.png -> <dir>/photo_distorted.jpg.
func outputPath(dir, input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, base+"_distorted.jpg")
}

func runDistort(ctx context.Context, opts Options) error {
	if err := validateDistortFlags(&opts); err != nil {
		return err
	}
	logger := log.Logger.With().Str("component", "distort").Logger()

	if err := os.MkdirAll(distortOutput, 0o755); err != nil {
		utils.ShowError("Failed to create output directory", err, nil)
		return err
	}

	deps, err := buildPipeline(&opts, logger)
	if err != nil {
		return err
	}

	// One classifier session for the whole batch, never one per image.
	session, err := deps.Sessions()
	if err != nil {
		utils.ShowError("Classifier worker startup failed", err, nil)
		return err
	}
	defer session.Close()

	lib := effects.NewLibrary(effects.WithAsset(deps.Asset))
	proc := processor.New(
		processor.Config{Mode: processor.AllRegions, Annotate: opts.Annotate, Policy: deps.Policy},
		session, lib,
		processor.WithLogger(logger),
	)

	bar := progressbar.NewOptions(len(distortInputs),
		progressbar.OptionSetDescription("😵 Distorting"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	failed := 0
	for _, in := range distortInputs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out := outputPath(distortOutput, in)
		if err := distortFile(ctx, in, out, deps.Detector, proc, opts.JPEGQuality, logger); err != nil {
			failed++
			logger.Error().Err(err).Str("input", in).Msg("skipping image")
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if failed > 0 {
		err := fmt.Errorf("%d of %d images failed", failed, len(distortInputs))
		utils.ShowError("Some images could not be distorted", err, nil)
		return err
	}
	logger.Info().Int("images", len(distortInputs)).Str("output", distortOutput).Msg("done")
	return nil
}

func distortFile(ctx context.Context, in, out string, det detector.Detector, proc *processor.Processor, quality int, logger zerolog.Logger) error {
	src, err := imaging.Open(in, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", in, err)
	}
	img := effects.Clone(src)

	if distortBarrel != 0 {
		img = effects.Barrel(img, distortBarrel)
	} else {
		anns := proc.Process(ctx, img, det.Detect(img))
		for _, a := range anns {
			logger.Debug().Str("input", in).Stringer("region", a.Region).Str("label", a.Text).Str("effect", string(a.Effect.Kind)).Msg("face distorted")
		}
	}

	if err := imaging.Save(img, out, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	return nil
}
