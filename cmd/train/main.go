// Command train fits an emissions regression model on satellite image chips
// of coal power plants.
//
// It wires the three CSV inputs (image metadata, CAMPD facilities, CAMPD
// emissions) into a DataModule, builds a backbone plus regression head, runs
// an overfit-on-one-batch sanity check, then trains with early stopping and
// evaluates on the held-out test year.
//
// Usage:
//
//	go run ./cmd/train -image-metadata data/image_metadata.csv \
//	    -facilities data/campd_facilities.csv -emissions data/campd_emissions.csv
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/Noofbiz/coalwatch/datasets"
	"github.com/Noofbiz/coalwatch/regression"
)

// defaultConfigJSON is the embedded default configuration. It is written to
// the output directory on every run so the effective settings are on disk
// next to the results.
const defaultConfigJSON = `{
  "data": {
    "target": "co2_mass_short_tons",
    "image_size": 64,
    "train_val_ratio": 0.8,
    "test_year": 2023,
    "batch_size": 32,
    "num_workers": 0,
    "max_dark_frac": 0.5,
    "max_cloud_cover": 0.5
  },
  "training": {
    "optimizer": "adam",
    "learning_rate": 0.0001,
    "epochs": 20,
    "patience": 3,
    "adam_beta1": 0.9,
    "adam_beta2": 0.999,
    "adam_eps": 1e-8,
    "clip_norm": 5.0,
    "hidden_sizes": [64],
    "freeze_backbone": false
  },
  "sanity": {
    "overfit_steps": 100,
    "max_final_loss": 0.01
  }
}`

// runConfig mirrors the JSON layout above.
type runConfig struct {
	Data struct {
		Target        string  `json:"target"`
		ImageSize     int     `json:"image_size"`
		TrainValRatio float64 `json:"train_val_ratio"`
		TestYear      int     `json:"test_year"`
		BatchSize     int     `json:"batch_size"`
		NumWorkers    int     `json:"num_workers"`
		MaxDarkFrac   float64 `json:"max_dark_frac"`
		MaxCloudCover float64 `json:"max_cloud_cover"`
	} `json:"data"`
	Training struct {
		Optimizer      string  `json:"optimizer"`
		LearningRate   float64 `json:"learning_rate"`
		Epochs         int     `json:"epochs"`
		Patience       int     `json:"patience"`
		AdamBeta1      float64 `json:"adam_beta1"`
		AdamBeta2      float64 `json:"adam_beta2"`
		AdamEps        float64 `json:"adam_eps"`
		ClipNorm       float64 `json:"clip_norm"`
		HiddenSizes    []int   `json:"hidden_sizes"`
		FreezeBackbone bool    `json:"freeze_backbone"`
	} `json:"training"`
	Sanity struct {
		OverfitSteps int     `json:"overfit_steps"`
		MaxFinalLoss float64 `json:"max_final_loss"`
	} `json:"sanity"`
}

var (
	flagImageMetadata = flag.String("image-metadata", "", "path to the image metadata CSV (required)")
	flagFacilities    = flag.String("facilities", "", "path to the CAMPD facilities CSV (required)")
	flagEmissions     = flag.String("emissions", "", "path to the CAMPD emissions CSV (required)")

	flagConfig = flag.String("config", "", "optional JSON config overriding the embedded defaults")
	flagOutput = flag.String("output", "output", "directory for model, plots and the effective config")

	flagBackbone = flag.String("backbone", "", "optional pretrained backbone checkpoint (gob); random init when empty")
	flagSeed     = flag.Int64("seed", 42, "seed for splits, shuffling and weight init")

	flagTarget     = flag.String("target", "", "override target column")
	flagImageSize  = flag.Int("image-size", 0, "override image size in pixels")
	flagBatchSize  = flag.Int("batch-size", 0, "override batch size")
	flagWorkers    = flag.Int("workers", -1, "override data loading workers (0 = serial)")
	flagLR         = flag.Float64("lr", 0, "override learning rate")
	flagEpochs     = flag.Int("epochs", 0, "override epoch count")
	flagPatience   = flag.Int("patience", -1, "override early stopping patience (0 disables)")
	flagOptimizer  = flag.String("optimizer", "", "override optimizer: adam or sgd")
	flagSkipSanity = flag.Bool("skip-sanity", false, "skip the overfit-batch sanity check")
)

func main() {
	flag.Parse()
	if *flagImageMetadata == "" || *flagFacilities == "" || *flagEmissions == "" {
		flag.Usage()
		log.Fatal("all of -image-metadata, -facilities and -emissions are required")
	}

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlagOverrides(cfg)

	if err := os.MkdirAll(*flagOutput, 0o755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}
	if err := writeEffectiveConfig(cfg, filepath.Join(*flagOutput, "config.json")); err != nil {
		log.Fatalf("failed to write effective config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}

func run(cfg *runConfig) error {
	dm, err := datasets.NewDataModule(datasets.ModuleConfig{
		ImageMetadataPath:   *flagImageMetadata,
		CampdFacilitiesPath: *flagFacilities,
		CampdEmissionsPath:  *flagEmissions,
		Target:              cfg.Data.Target,
		ImageSize:           cfg.Data.ImageSize,
		TrainValRatio:       cfg.Data.TrainValRatio,
		TestYear:            cfg.Data.TestYear,
		BatchSize:           cfg.Data.BatchSize,
		NumWorkers:          cfg.Data.NumWorkers,
		MaxDarkFrac:         cfg.Data.MaxDarkFrac,
		MaxCloudCover:       cfg.Data.MaxCloudCover,
		Seed:                *flagSeed,
	})
	if err != nil {
		return err
	}
	if err := dm.Setup(datasets.StageFit); err != nil {
		return err
	}
	log.Printf("datasets ready: train=%d val=%d", dm.TrainDataset().Len(), dm.ValDataset().Len())

	modelCfg := regression.Config{
		HiddenSizes:    cfg.Training.HiddenSizes,
		LearningRate:   cfg.Training.LearningRate,
		Epochs:         cfg.Training.Epochs,
		Patience:       cfg.Training.Patience,
		Optimizer:      cfg.Training.Optimizer,
		Beta1:          cfg.Training.AdamBeta1,
		Beta2:          cfg.Training.AdamBeta2,
		Epsilon:        cfg.Training.AdamEps,
		ClipNorm:       cfg.Training.ClipNorm,
		FreezeBackbone: cfg.Training.FreezeBackbone,
		Seed:           *flagSeed,
	}

	if !*flagSkipSanity {
		if err := sanityCheck(dm, cfg, modelCfg); err != nil {
			return err
		}
	}

	backbone, err := buildBackbone()
	if err != nil {
		return err
	}
	model, err := regression.NewModel(backbone, modelCfg)
	if err != nil {
		return err
	}
	trainer, err := regression.NewTrainer(model)
	if err != nil {
		return err
	}

	log.Printf("training for up to %d epochs (optimizer=%s lr=%g patience=%d)",
		modelCfg.Epochs, cfg.Training.Optimizer, cfg.Training.LearningRate, modelCfg.Patience)
	hist, err := trainer.Fit(dm)
	if err != nil {
		return err
	}
	for _, e := range hist.Epochs {
		log.Printf("epoch %d: train_mse=%.6f val_mse=%.6f val_mae=%.6f",
			e.Epoch, e.TrainLoss, e.ValLoss, e.ValMAE)
	}
	if hist.StoppedEarly {
		log.Printf("stopped early; best epoch %d", hist.BestEpoch)
	}

	if err := dm.Setup(datasets.StageTest); err != nil {
		return err
	}
	testLoader, err := dm.TestLoader()
	if err != nil {
		return err
	}
	testMSE, testMAE, err := trainer.Evaluate(testLoader)
	if err != nil {
		return err
	}
	log.Printf("test: mse=%.6f mae=%.6f over %d samples", testMSE, testMAE, dm.TestDataset().Len())

	modelPath := filepath.Join(*flagOutput, "model.gob")
	if err := model.Save(modelPath); err != nil {
		return err
	}
	log.Printf("model written to %s", modelPath)

	plotPath := filepath.Join(*flagOutput, "history.png")
	if err := regression.PlotHistory(hist, plotPath); err != nil {
		return err
	}
	log.Printf("loss curves written to %s", plotPath)
	return nil
}

// sanityCheck trains a throwaway model on a single batch to confirm the data
// pipeline, gradients and optimizer can drive the loss toward zero. The real
// model is created afterwards so the check never pollutes its weights.
func sanityCheck(dm *datasets.DataModule, cfg *runConfig, modelCfg regression.Config) error {
	loader, err := dm.TrainLoader()
	if err != nil {
		return err
	}
	batch, err := loader.Next()
	if errors.Is(err, io.EOF) {
		return errors.New("no training batch available for the sanity check")
	}
	if err != nil {
		return err
	}

	backbone, err := buildBackbone()
	if err != nil {
		return err
	}
	model, err := regression.NewModel(backbone, modelCfg)
	if err != nil {
		return err
	}
	trainer, err := regression.NewTrainer(model)
	if err != nil {
		return err
	}

	losses, err := trainer.OverfitBatch(batch, cfg.Sanity.OverfitSteps)
	if err != nil {
		return err
	}
	first, last := losses[0], losses[len(losses)-1]
	log.Printf("overfit-batch sanity check: loss %.6f -> %.6f over %d steps (batch of %d)",
		first, last, len(losses), batch.Len())
	if last > first {
		return fmt.Errorf("sanity check failed: loss rose from %.6f to %.6f", first, last)
	}
	if cfg.Sanity.MaxFinalLoss > 0 && last > cfg.Sanity.MaxFinalLoss*first {
		log.Printf("warning: final sanity loss %.6f above target fraction %.2f of initial", last, cfg.Sanity.MaxFinalLoss)
	}

	if err := regression.PlotOverfit(losses, filepath.Join(*flagOutput, "overfit.png")); err != nil {
		return err
	}
	return nil
}

// buildBackbone loads the pretrained checkpoint when one was given, otherwise
// initializes a fresh backbone.
func buildBackbone() (*regression.Backbone, error) {
	if *flagBackbone != "" {
		backbone, err := regression.LoadBackbone(*flagBackbone)
		if err != nil {
			return nil, err
		}
		log.Printf("loaded pretrained backbone from %s (features=%d)", *flagBackbone, backbone.FeatureDim())
		return backbone, nil
	}
	return regression.NewBackbone(datasets.ImageChannels, nil, *flagSeed)
}

// loadConfig parses the embedded defaults and overlays the optional config
// file on top.
func loadConfig(path string) (*runConfig, error) {
	cfg := &runConfig{}
	if err := json.Unmarshal([]byte(defaultConfigJSON), cfg); err != nil {
		return nil, fmt.Errorf("invalid embedded default config: %w", err)
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlagOverrides lets explicit CLI flags win over the config file.
func applyFlagOverrides(cfg *runConfig) {
	if *flagTarget != "" {
		cfg.Data.Target = *flagTarget
	}
	if *flagImageSize > 0 {
		cfg.Data.ImageSize = *flagImageSize
	}
	if *flagBatchSize > 0 {
		cfg.Data.BatchSize = *flagBatchSize
	}
	if *flagWorkers >= 0 {
		cfg.Data.NumWorkers = *flagWorkers
	}
	if *flagLR > 0 {
		cfg.Training.LearningRate = *flagLR
	}
	if *flagEpochs > 0 {
		cfg.Training.Epochs = *flagEpochs
	}
	if *flagPatience >= 0 {
		cfg.Training.Patience = *flagPatience
	}
	if *flagOptimizer != "" {
		cfg.Training.Optimizer = *flagOptimizer
	}
}

// writeEffectiveConfig records the settings the run actually used.
func writeEffectiveConfig(cfg *runConfig, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
