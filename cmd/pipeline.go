package cmd

import (
	"fmt"
	"image"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/cvdescent/internal/detector"
	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/policy"
	"github.com/andresmejia3/cvdescent/internal/utils"
	"github.com/andresmejia3/cvdescent/internal/worker"
)

// noCascade disables face detection.
const noCascade = "none"

// registerPipelineFlags adds the detector, classifier and effect flags shared by serve and distort.
func registerPipelineFlags(fs *pflag.FlagSet, opts *Options) {
	fs.StringVar(&opts.CascadePath, "cascade", "", "Path to a pigo face cascade (empty = built-in facefinder, none = treat the whole image as one face)")
	fs.Float64Var(&opts.MinQuality, "detection-quality", 5.0, "Minimum pigo detection score")
	fs.StringVar(&opts.Classifier, "classifier", "worker", "Emotion classifier: worker, none")
	fs.StringVar(&opts.PythonBin, "python", "python3", "Python interpreter for the classifier worker")
	fs.StringVar(&opts.WorkerScript, "worker-script", "python/emotion_worker.py", "Classifier worker script")
	fs.StringVar(&opts.WorkerTimeout, "worker-timeout", "10s", "Timeout for the worker to classify a single face")
	fs.StringVar(&opts.Policy, "policy", string(policy.Default), "Emotion to effect policy: default, faceswap, classic")
	fs.StringVar(&opts.FaceAsset, "face-asset", "photoStub.jpeg", "Replacement face used by the substitute effect")
	fs.BoolVar(&opts.Annotate, "annotate", true, "Draw the face outline and emotion label")
	fs.IntVar(&opts.JPEGQuality, "jpeg-quality", 80, "JPEG quality of emitted frames (1-100)")
}

// pipelineDeps are the long-lived collaborators built from Options.
type pipelineDeps struct {
	Detector detector.Detector
	Sessions worker.Factory
	Policy   *policy.Policy
	Asset    image.Image
}

func validatePipelineFlags(opts *Options) error {
	if _, err := policy.ParseVariant(opts.Policy); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	kind, err := worker.ParseKind(opts.Classifier)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if d, err := time.ParseDuration(opts.WorkerTimeout); err != nil || d < 0 {
		if err == nil {
			err = fmt.Errorf("must be >= 0, got %s", d)
		}
		utils.ShowError("Invalid worker-timeout format (use '10s', '500ms')", err, nil)
		return err
	}
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		err := fmt.Errorf("must be between 1 and 100, got %d", opts.JPEGQuality)
		utils.ShowError("Invalid JPEG quality", err, nil)
		return err
	}
	if opts.CascadePath != "" && opts.CascadePath != noCascade {
		if _, err := os.Stat(opts.CascadePath); err != nil {
			utils.ShowError("Face cascade not found", err, nil)
			return err
		}
	}
	if kind == worker.KindWorker {
		if _, err := os.Stat(opts.WorkerScript); err != nil {
			utils.ShowError("Classifier worker script not found", err, nil)
			return err
		}
	}
	return nil
}

// buildPipeline assumes validatePipelineFlags passed.
func buildPipeline(opts *Options, log zerolog.Logger) (*pipelineDeps, error) {
	variant, _ := policy.ParseVariant(opts.Policy)
	kind, _ := worker.ParseKind(opts.Classifier)
	timeout, _ := time.ParseDuration(opts.WorkerTimeout)

	var det detector.Detector = detector.FullFrame
	if opts.CascadePath != noCascade {
		cfg := detector.DefaultConfig()
		cfg.CascadePath = opts.CascadePath
		cfg.MinQuality = float32(opts.MinQuality)
		p, err := detector.NewPigo(cfg)
		if err != nil {
			utils.ShowError("Failed to load face cascade", err, nil)
			return nil, err
		}
		det = p
		cascade := opts.CascadePath
		if cascade == "" {
			cascade = "builtin"
		}
		log.Info().Str("cascade", cascade).Msg("face detector ready")
	} else {
		log.Warn().Msg("face detection disabled, every image is treated as a single face")
	}

	wcfg := worker.Config{Python: opts.PythonBin, Script: opts.WorkerScript, Timeout: timeout}
	return &pipelineDeps{
		Detector: det,
		Sessions: worker.NewFactory(kind, wcfg, log.With().Str("component", "worker").Logger()),
		Policy:   policy.New(variant),
		Asset:    effects.LoadAsset(opts.FaceAsset, log),
	}, nil
}
