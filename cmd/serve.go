package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/cvdescent/internal/capture"
	"github.com/andresmejia3/cvdescent/internal/metrics"
	"github.com/andresmejia3/cvdescent/internal/server"
	"github.com/andresmejia3/cvdescent/internal/utils"
	"github.com/andresmejia3/cvdescent/internal/worker"
)

var (
	serveOpts Options

	serveAddr         string
	serveCamera       string
	serveCameraFormat string
	serveRetries      int
	serveRetryDelay   string
	serveProbeTimeout string
	serveAllFaces     bool
	serveMaxUploadMB  int
	serveMaxPixels    int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the normal and distorted camera feeds and the upload endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	device, format := defaultCamera()

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":5000", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveCamera, "camera", device, "Capture device (any ffmpeg input)")
	serveCmd.Flags().StringVar(&serveCameraFormat, "camera-format", format, "ffmpeg input format for the device (empty = probe)")
	serveCmd.Flags().IntVar(&serveRetries, "camera-retries", 5, "Attempts to open the camera before giving up")
	serveCmd.Flags().StringVar(&serveRetryDelay, "camera-retry-delay", "1s", "Pause between camera open attempts")
	serveCmd.Flags().StringVar(&serveProbeTimeout, "camera-probe-timeout", "5s", "How long to wait for the first frame of a new capture session")
	serveCmd.Flags().BoolVar(&serveAllFaces, "all-faces", false, "Distort every detected face in the live feed, not just the first")
	serveCmd.Flags().IntVar(&serveMaxUploadMB, "max-upload", 20, "Maximum upload size in MB")
	serveCmd.Flags().Int64Var(&serveMaxPixels, "max-pixels", server.DefaultMaxPixels, "Maximum width*height of an uploaded image")

	registerPipelineFlags(serveCmd.Flags(), &serveOpts)
	rootCmd.AddCommand(serveCmd)
}

func defaultCamera() (device, format string) {
	switch runtime.GOOS {
	case "darwin":
		return "0", "avfoundation"
	case "windows":
		return "video=Integrated Camera", "dshow"
	default:
		return "/dev/video0", "v4l2"
	}
}

func validateServeFlags(opts *Options) error {
	if err := validatePipelineFlags(opts); err != nil {
		return err
	}
	if serveRetries < 1 {
		err := fmt.Errorf("must be >= 1, got %d", serveRetries)
		utils.ShowError("Invalid camera-retries", err, nil)
		return err
	}
	for name, v := range map[string]string{"camera-retry-delay": serveRetryDelay, "camera-probe-timeout": serveProbeTimeout} {
		if _, err := time.ParseDuration(v); err != nil {
			utils.ShowError(fmt.Sprintf("Invalid %s format (use '1s', '500ms')", name), err, nil)
			return err
		}
	}
	if serveMaxUploadMB < 1 {
		err := fmt.Errorf("must be >= 1, got %d", serveMaxUploadMB)
		utils.ShowError("Invalid max-upload", err, nil)
		return err
	}
	if serveMaxPixels < 1 {
		err := fmt.Errorf("must be >= 1, got %d", serveMaxPixels)
		utils.ShowError("Invalid max-pixels", err, nil)
		return err
	}
	return nil
}

func runServe(ctx context.Context, opts Options) error {
	if err := validateServeFlags(&opts); err != nil {
		return err
	}
	logger := log.Logger.With().Str("component", "serve").Logger()

	deps, err := buildPipeline(&opts, logger)
	if err != nil {
		return err
	}

	retryDelay, _ := time.ParseDuration(serveRetryDelay)
	probeTimeout, _ := time.ParseDuration(serveProbeTimeout)
	m := metrics.New()

	opener := capture.FFmpegOpener(capture.FFmpegConfig{
		Device:       serveCamera,
		Format:       serveCameraFormat,
		ProbeTimeout: probeTimeout,
	}, log.Logger.With().Str("component", "ffmpeg").Logger())
	hub := capture.NewHub(opener, capture.HubConfig{
		Attempts: serveRetries,
		Delay:    retryDelay,
		Log:      log.Logger.With().Str("component", "capture").Logger(),
		Metrics:  m,
	})
	defer hub.Close()

	// Uploads share one classifier; the worker serializes its own requests.
	uploads := worker.NewShared(deps.Sessions)
	defer uploads.Close()

	srv := server.New(server.Config{
		Policy:      deps.Policy,
		Asset:       deps.Asset,
		Annotate:    opts.Annotate,
		AllFaces:    serveAllFaces,
		JPEGQuality: opts.JPEGQuality,
		MaxUpload:   int64(serveMaxUploadMB) << 20,
		MaxPixels:   serveMaxPixels,
	}, server.Deps{
		Hub:      hub,
		Detector: deps.Detector,
		Sessions: deps.Sessions,
		Uploads:  uploads,
		Metrics:  m,
		Log:      log.Logger.With().Str("component", "http").Logger(),
	})

	logger.Info().
		Str("addr", serveAddr).
		Str("camera", serveCamera).
		Str("policy", string(deps.Policy.Variant())).
		Str("classifier", opts.Classifier).
		Msg("cvdescent ready")

	if err := srv.ListenAndServe(ctx, serveAddr); err != nil {
		utils.ShowError("HTTP server failed", err, nil)
		return err
	}
	logger.Info().Msg("bye")
	return nil
}
