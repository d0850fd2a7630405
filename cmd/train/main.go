package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/gomlx/gomlx/backends/simplego"

	"github.com/synthreal/adaptseg/datasets"
	"github.com/synthreal/adaptseg/models"
	"github.com/synthreal/adaptseg/train"
	"github.com/synthreal/adaptseg/transform"
	"github.com/synthreal/adaptseg/visual"
)

// defaultTunablesJSON is the embedded JSON used to create cmd/train/train.json
// when the user did not provide a -config path. We write this file as a
// convenience so the default configuration is available on disk; values from
// it are applied only where the corresponding CLI flag was left at its
// default, so explicit flags always win.
const defaultTunablesJSON = `{
  "training": {
    "max_iters": 250000,
    "learning_rate": 0.00025,
    "learning_rate_d": 0.0001,
    "power": 0.9,
    "lambda_adv": 0.001,
    "batch_size": 1
  },
  "data": {
    "crop_width": 1280,
    "crop_height": 720,
    "target_crop_width": 1024,
    "target_crop_height": 512,
    "flip": 0.5,
    "scales": "",
    "workers": 4
  },
  "run": {
    "eval_every": 5000,
    "checkpoint_every": 5000,
    "log_every": 50,
    "keep": 3
  }
}
`

func main() {
	// CLI flags
	gta5Root := flag.String("gta5-root", "../../datasets/assets/gta5", "source dataset directory, holding images/ and labels/")
	gta5Manifest := flag.String("gta5-manifest", "", "source manifest file; defaults to <gta5-root>/train.txt")
	gta5Info := flag.String("gta5-info", "", "source label metadata JSON; defaults to <gta5-root>/info.json")
	csRoot := flag.String("cityscapes-root", "../../datasets/assets/cityscapes", "target dataset directory, holding images/ and labels/")
	csManifest := flag.String("cityscapes-manifest", "", "target training manifest; defaults to <cityscapes-root>/train.txt")
	csValManifest := flag.String("cityscapes-val-manifest", "", "target evaluation manifest; defaults to <cityscapes-root>/val.txt")
	csInfo := flag.String("cityscapes-info", "", "target label metadata JSON; defaults to <cityscapes-root>/info.json")

	// Input geometry and augmentation
	cropWidth := flag.Int("crop-width", 1280, "source crop width after augmentation (0 disables cropping)")
	cropHeight := flag.Int("crop-height", 720, "source crop height after augmentation (0 disables cropping)")
	targetCropWidth := flag.Int("target-crop-width", 1024, "target crop width after augmentation (0 disables cropping)")
	targetCropHeight := flag.Int("target-crop-height", 512, "target crop height after augmentation (0 disables cropping)")
	flipP := flag.Float64("flip", 0.5, "probability of a joint horizontal flip (0 disables)")
	scales := flag.String("scales", "", "comma-separated rescale factors, e.g. '0.75,1,1.25' (empty disables)")

	// Batching
	batchSize := flag.Int("batch-size", 1, "training batch size for both domains (overrides JSON if provided)")
	evalBatchSize := flag.Int("eval-batch-size", 1, "evaluation batch size; evaluation runs at full resolution")
	workers := flag.Int("workers", 4, "prefetch workers per loader (overrides JSON if provided)")

	// Optimization
	maxIters := flag.Int64("max-iters", 250000, "number of optimization steps (overrides JSON if provided)")
	learningRate := flag.Float64("learning-rate", 0.00025, "segmentation base learning rate (overrides JSON if provided)")
	learningRateD := flag.Float64("learning-rate-d", 0.0001, "discriminator base learning rate (overrides JSON if provided)")
	power := flag.Float64("power", 0.9, "polynomial learning-rate decay exponent")
	lambdaAdv := flag.Float64("lambda-adv", 0.001, "weight of the adversarial term in the segmenter loss")

	// Cadences
	evalEvery := flag.Int64("eval-every", 5000, "run a full evaluation pass every n steps (0 disables)")
	checkpointEvery := flag.Int64("checkpoint-every", 5000, "persist training state every n steps (0 disables)")
	logEvery := flag.Int64("log-every", 50, "emit a progress line every n steps (0 disables)")

	// Output locations
	checkpointDir := flag.String("checkpoint-dir", "output/checkpoints", "directory for model checkpoints and the run-state sidecar")
	keep := flag.Int("keep", 3, "how many checkpoints to retain")
	outDir := flag.String("out", "output/plots", "output directory for loss/IoU curves and prediction maps")
	savePredictions := flag.Int("save-predictions", 4, "number of validation predictions to colorize after training (0 disables)")

	// Run control
	seedFlag := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	resume := flag.Bool("resume", false, "verify the run-state sidecar and continue from the restored checkpoint")
	evalParallel := flag.Bool("eval-parallel", true, "prefetch evaluation batches in parallel")
	quiet := flag.Bool("quiet", false, "suppress per-step progress output")
	configPath := flag.String("config", "", "path to a JSON tunables file (optional). If empty, cmd/train/train.json is created from embedded defaults and loaded.")

	// Print merged effective configuration and exit (dry-run)
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")

	flag.Parse()

	// Tunables file behavior:
	// - If the user supplied -config, load that JSON file; a read failure is fatal.
	// - If no path was provided, ensure a default train.json exists on disk
	//   (created from embedded defaults) and attempt to load it. JSON values are
	//   merged into runtime defaults, but explicit CLI flags always override.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		effectivePath = "train.json"
		needWrite := false
		if _, err := os.Stat(effectivePath); os.IsNotExist(err) {
			needWrite = true
		} else if err != nil {
			log.Printf("warning: could not stat default tunables file %s: %v", effectivePath, err)
			needWrite = true
		}
		if needWrite {
			if werr := os.WriteFile(effectivePath, []byte(defaultTunablesJSON), 0644); werr != nil {
				log.Printf("warning: failed to write default tunables to %s: %v", effectivePath, werr)
			} else {
				log.Printf("Wrote default tunables to %s", effectivePath)
			}
		} else {
			log.Printf("Default tunables present at %s", effectivePath)
		}
	}

	if data, err := os.ReadFile(effectivePath); err == nil {
		var raw struct {
			Training *struct {
				MaxIters      *int64   `json:"max_iters"`
				LearningRate  *float64 `json:"learning_rate"`
				LearningRateD *float64 `json:"learning_rate_d"`
				Power         *float64 `json:"power"`
				LambdaAdv     *float64 `json:"lambda_adv"`
				BatchSize     *int     `json:"batch_size"`
			} `json:"training"`
			Data *struct {
				CropWidth        *int     `json:"crop_width"`
				CropHeight       *int     `json:"crop_height"`
				TargetCropWidth  *int     `json:"target_crop_width"`
				TargetCropHeight *int     `json:"target_crop_height"`
				Flip             *float64 `json:"flip"`
				Scales           *string  `json:"scales"`
				Workers          *int     `json:"workers"`
			} `json:"data"`
			Run *struct {
				EvalEvery       *int64 `json:"eval_every"`
				CheckpointEvery *int64 `json:"checkpoint_every"`
				LogEvery        *int64 `json:"log_every"`
				Keep            *int   `json:"keep"`
			} `json:"run"`
		}
		if jerr := json.Unmarshal(data, &raw); jerr == nil {
			// Apply JSON values only when the corresponding CLI flag was left
			// at its default.
			if raw.Training != nil {
				tr := raw.Training
				if tr.MaxIters != nil && *maxIters == 250000 {
					*maxIters = *tr.MaxIters
				}
				if tr.LearningRate != nil && *learningRate == 0.00025 {
					*learningRate = *tr.LearningRate
				}
				if tr.LearningRateD != nil && *learningRateD == 0.0001 {
					*learningRateD = *tr.LearningRateD
				}
				if tr.Power != nil && *power == 0.9 {
					*power = *tr.Power
				}
				if tr.LambdaAdv != nil && *lambdaAdv == 0.001 {
					*lambdaAdv = *tr.LambdaAdv
				}
				if tr.BatchSize != nil && *batchSize == 1 {
					*batchSize = *tr.BatchSize
				}
			}
			if raw.Data != nil {
				d := raw.Data
				if d.CropWidth != nil && *cropWidth == 1280 {
					*cropWidth = *d.CropWidth
				}
				if d.CropHeight != nil && *cropHeight == 720 {
					*cropHeight = *d.CropHeight
				}
				if d.TargetCropWidth != nil && *targetCropWidth == 1024 {
					*targetCropWidth = *d.TargetCropWidth
				}
				if d.TargetCropHeight != nil && *targetCropHeight == 512 {
					*targetCropHeight = *d.TargetCropHeight
				}
				if d.Flip != nil && *flipP == 0.5 {
					*flipP = *d.Flip
				}
				if d.Scales != nil && *scales == "" {
					*scales = *d.Scales
				}
				if d.Workers != nil && *workers == 4 {
					*workers = *d.Workers
				}
			}
			if raw.Run != nil {
				r := raw.Run
				if r.EvalEvery != nil && *evalEvery == 5000 {
					*evalEvery = *r.EvalEvery
				}
				if r.CheckpointEvery != nil && *checkpointEvery == 5000 {
					*checkpointEvery = *r.CheckpointEvery
				}
				if r.LogEvery != nil && *logEvery == 50 {
					*logEvery = *r.LogEvery
				}
				if r.Keep != nil && *keep == 3 {
					*keep = *r.Keep
				}
			}
		} else {
			log.Printf("warning: failed to parse tunables from %s: %v", effectivePath, jerr)
		}
	} else if strings.TrimSpace(*configPath) != "" {
		log.Fatalf("failed to read tunables file %s: %v", *configPath, err)
	}

	// Parse the rescale factor list (format: f1,f2,...).
	var factors []float64
	if strings.TrimSpace(*scales) != "" {
		for _, tok := range strings.Split(*scales, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				log.Fatalf("invalid -scales entry %q: %v", tok, err)
			}
			if v <= 0 {
				log.Fatalf("invalid -scales entry %q: factors must be positive", tok)
			}
			factors = append(factors, v)
		}
	}

	// If the user requested a dry-run printout, output the merged effective
	// config and exit.
	if *printEffectiveConfig {
		fmt.Printf("Data:\n")
		fmt.Printf("  gta5_root: %s\n", *gta5Root)
		fmt.Printf("  cityscapes_root: %s\n", *csRoot)
		fmt.Printf("  crop: %dx%d source, %dx%d target\n", *cropWidth, *cropHeight, *targetCropWidth, *targetCropHeight)
		fmt.Printf("  flip: %g\n", *flipP)
		fmt.Printf("  scales: %v\n", factors)
		fmt.Printf("  workers: %d\n", *workers)
		fmt.Printf("Training settings:\n")
		fmt.Printf("  max_iters: %d\n", *maxIters)
		fmt.Printf("  batch_size: %d\n", *batchSize)
		fmt.Printf("  learning_rate: %g\n", *learningRate)
		fmt.Printf("  learning_rate_d: %g\n", *learningRateD)
		fmt.Printf("  power: %g\n", *power)
		fmt.Printf("  lambda_adv: %g\n", *lambdaAdv)
		fmt.Printf("Run settings:\n")
		fmt.Printf("  eval_every: %d\n", *evalEvery)
		fmt.Printf("  checkpoint_every: %d\n", *checkpointEvery)
		fmt.Printf("  log_every: %d\n", *logEvery)
		fmt.Printf("  checkpoint_dir: %s (keep %d)\n", *checkpointDir, *keep)
		fmt.Printf("  out: %s\n", *outDir)
		fmt.Printf("  seed: %d\n", *seedFlag)
		os.Exit(0)
	}

	// On resume the sidecar's seed replaces the CLI seed, so augmentation
	// and shuffling continue on the original run's streams.
	seed := *seedFlag
	var sidecar train.RunState
	if *resume {
		st, err := train.LoadRunState(train.RunStatePath(*checkpointDir))
		if err != nil {
			log.Fatalf("failed to load run state for resume: %v", err)
		}
		sidecar = st
		seed = st.Seed
		log.Printf("Resume requested: run state at step %d, seed %d, saved %s",
			st.GlobalStep, st.Seed, st.SavedAt.Format(time.RFC3339))
	}

	var transforms transform.Compose
	if *flipP > 0 {
		transforms = append(transforms, transform.HorizontalFlip{P: *flipP})
	}
	if len(factors) > 0 {
		transforms = append(transforms, transform.RandomScale{Factors: factors})
	}

	log.Printf("Loading source domain from %s...", *gta5Root)
	source, err := datasets.NewGTA5(datasets.GTA5Config{
		Root:       *gta5Root,
		Manifest:   *gta5Manifest,
		Info:       *gta5Info,
		CropWidth:  *cropWidth,
		CropHeight: *cropHeight,
		Transforms: transforms,
		Seed:       seed,
	})
	if err != nil {
		log.Fatalf("failed to open source dataset: %v", err)
	}
	log.Printf("Source dataset loaded: %d samples, %d classes", source.Len(), source.NumClasses())

	log.Printf("Loading target domain from %s...", *csRoot)
	target, err := datasets.NewCityscapes(datasets.CityscapesConfig{
		Root:       *csRoot,
		Manifest:   *csManifest,
		Info:       *csInfo,
		Mode:       datasets.CityscapesTrain,
		CropWidth:  *targetCropWidth,
		CropHeight: *targetCropHeight,
		Transforms: transforms,
		Seed:       seed + 1,
	})
	if err != nil {
		log.Fatalf("failed to open target dataset: %v", err)
	}
	log.Printf("Target dataset loaded: %d samples", target.Len())

	val, err := datasets.NewCityscapes(datasets.CityscapesConfig{
		Root:     *csRoot,
		Manifest: *csValManifest,
		Info:     *csInfo,
		Mode:     datasets.CityscapesVal,
	})
	if err != nil {
		log.Fatalf("failed to open validation dataset: %v", err)
	}
	log.Printf("Validation dataset loaded: %d samples", val.Len())
	if source.NumClasses() != val.NumClasses() {
		log.Fatalf("class count mismatch: source info has %d classes, target info has %d",
			source.NumClasses(), val.NumClasses())
	}

	srcLoader, err := datasets.NewLoader(source, datasets.LoaderConfig{
		BatchSize: *batchSize,
		Workers:   *workers,
		Shuffle:   true,
		Infinite:  true,
		DropLast:  true,
		Seed:      seed + 2,
	})
	if err != nil {
		log.Fatalf("failed to start source loader: %v", err)
	}
	tgtLoader, err := datasets.NewLoader(target, datasets.LoaderConfig{
		BatchSize: *batchSize,
		Workers:   *workers,
		Shuffle:   true,
		Infinite:  true,
		DropLast:  true,
		Seed:      seed + 3,
	})
	if err != nil {
		log.Fatalf("failed to start target loader: %v", err)
	}

	evaluator, err := train.NewTargetEvaluator(val, train.EvaluatorConfig{
		BatchSize: *evalBatchSize,
		Parallel:  *evalParallel,
		Progress:  !*quiet,
	})
	if err != nil {
		log.Fatalf("failed to build evaluator: %v", err)
	}

	if err := ensureDir(*checkpointDir); err != nil {
		log.Fatalf("failed to create checkpoint dir %s: %v", *checkpointDir, err)
	}
	backend, err := models.NewAdversarialBackend(models.BackendConfig{
		NumClasses:    source.NumClasses(),
		Ignore:        source.Ignore(),
		Lambda:        *lambdaAdv,
		BaseLR:        *learningRate,
		CheckpointDir: *checkpointDir,
		Keep:          *keep,
		Seed:          seed,
	})
	if err != nil {
		log.Fatalf("failed to build training backend: %v", err)
	}

	if *resume {
		if err := train.VerifyResume(sidecar, backend.GlobalStep()); err != nil {
			log.Fatalf("resume check failed: %v", err)
		}
		log.Printf("Resuming training from step %d", backend.GlobalStep())
	} else if backend.GlobalStep() != 0 {
		log.Printf("warning: checkpoint dir %s already holds state at step %d; continuing from there (pass -resume to verify the run sidecar)",
			*checkpointDir, backend.GlobalStep())
	}

	if err := ensureDir(*outDir); err != nil {
		log.Fatalf("failed to create output dir %s: %v", *outDir, err)
	}
	viz := visual.New(visual.Config{OutDir: *outDir, Info: val.Info(), Quiet: *quiet})

	loop, err := train.NewLoop(train.Config{
		Schedule: train.Schedule{
			MaxIters:        *maxIters,
			BaseLR:          *learningRate,
			BaseLRDisc:      *learningRateD,
			Power:           *power,
			EvalEvery:       *evalEvery,
			CheckpointEvery: *checkpointEvery,
			LogEvery:        *logEvery,
		},
		Backend:  backend,
		Source:   srcLoader,
		Target:   tgtLoader,
		Eval:     evaluator,
		Observer: viz,
		StateDir: *checkpointDir,
		Seed:     seed,
	})
	if err != nil {
		log.Fatalf("failed to wire training loop: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	log.Printf("Training for %d iterations (batch=%d, lr=%g, lr_d=%g, lambda=%g)...",
		*maxIters, *batchSize, *learningRate, *learningRateD, *lambdaAdv)
	runErr := loop.Run(ctx)
	switch {
	case runErr == nil:
		log.Printf("Training completed in %v", time.Since(start))
	case errors.Is(runErr, context.Canceled):
		log.Printf("Training interrupted at step %d after %v; latest checkpoint preserved",
			backend.GlobalStep(), time.Since(start))
		if err := viz.Flush(); err != nil {
			log.Printf("warning: failed to write plots: %v", err)
		}
	default:
		log.Fatalf("training failed: %v", runErr)
	}

	segParams, discParams := backend.ParamCounts()
	log.Printf("Segmentation network: %s parameters; discriminator: %s parameters",
		humanize.Comma(segParams), humanize.Comma(discParams))
	if best, step := viz.Best(); step > 0 {
		log.Printf("Best mean IoU %.4f at step %d", best, step)
	}

	if *savePredictions > 0 && runErr == nil {
		n := min(*savePredictions, val.Len())
		saved := 0
		for i := 0; i < n; i++ {
			sample, err := val.Get(i)
			if err != nil {
				log.Printf("warning: failed to load validation sample %d: %v", i, err)
				continue
			}
			batch, err := datasets.MakeBatch([]*datasets.Sample{sample})
			if err != nil {
				log.Printf("warning: failed to batch validation sample %s: %v", sample.Name, err)
				continue
			}
			preds, err := backend.Predict(batch)
			if err != nil {
				log.Printf("warning: prediction for %s failed: %v", sample.Name, err)
				continue
			}
			if err := viz.SavePrediction(sample.Name, preds[0], sample.Width, sample.Height); err != nil {
				log.Printf("warning: failed to save prediction for %s: %v", sample.Name, err)
				continue
			}
			saved++
		}
		if saved > 0 {
			log.Printf("Saved %d prediction maps under %s", saved, filepath.Join(*outDir, "predictions"))
		}
	}

	if err := backend.Close(); err != nil {
		log.Printf("warning: failed to release compute backend: %v", err)
	}
}

func ensureDir(path string) error {
	// Attempt to create directory if it doesn't exist (silently succeed if present).
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
