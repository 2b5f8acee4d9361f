package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"vsseg3d/internal/models"
	"vsseg3d/pkg/checkpoint"
	"vsseg3d/pkg/config"
	"vsseg3d/pkg/network"
	"vsseg3d/pkg/pipeline"
	"vsseg3d/pkg/volio"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "vsseg3d.yaml", "Path to YAML configuration file")
	checkpointPath := flag.String("checkpoint", "", "Path to a safetensors checkpoint with trained weights")
	strictLoad := flag.Bool("strict", true, "Require an exact parameter match when loading the checkpoint")
	images := flag.String("images", "", "Comma-separated list of image volume files (.vsv)")
	labels := flag.String("labels", "", "Comma-separated list of matching label volume files (.vsv)")
	secondModality := flag.String("second-modality", "", "Optional comma-separated list of co-registered second-modality volumes to crop with the derived bounds")
	resultsDir := flag.String("results", "", "Results directory (overrides the configured one)")
	writeConfig := flag.Bool("write-default-config", false, "Write the default configuration to the config path and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.SaveConfig(config.DefaultConfig(), *configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	if *images == "" || *labels == "" {
		flag.Usage()
		log.Fatal("both -images and -labels are required")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *resultsDir != "" {
		cfg.Output.ResultsDir = *resultsDir
	}

	logger := newLogger(cfg.Output.Verbose)
	defer logger.Sync()
	sugar := logger.Sugar()

	fmt.Println("================================")
	fmt.Println("VOLUMETRIC SEGMENTATION WITH ATTENTION-GATED ENCODER-DECODER")
	fmt.Println("AND TRANSFORMER BOTTLENECK REFINEMENT")
	fmt.Println("================================")

	// Build the network from the configured architecture
	opts, err := cfg.NetworkOptions()
	if err != nil {
		log.Fatalf("Invalid model configuration: %v", err)
	}
	net, err := network.New(opts)
	if err != nil {
		log.Fatalf("Failed to build network: %v", err)
	}
	sugar.Infow("network built",
		"channels", opts.Channels, "stages", net.NumStages(),
		"attention", opts.Attention, "parameters", len(net.Parameters()))

	if *checkpointPath != "" {
		if err := checkpoint.Load(*checkpointPath, net, *strictLoad); err != nil {
			log.Fatalf("Failed to load checkpoint: %v", err)
		}
		sugar.Infow("checkpoint loaded", "path", *checkpointPath, "strict", *strictLoad)
	}

	cases, err := loadCases(*images, *labels)
	if err != nil {
		log.Fatalf("Failed to load cases: %v", err)
	}

	runner := pipeline.NewRunner(net, cfg, sugar)

	fmt.Printf("Evaluating %d case(s)...\n", len(cases))
	startTime := time.Now()
	summary, err := runner.EvaluateAll(cases)
	if err != nil {
		log.Fatalf("Evaluation failed: %v", err)
	}

	var allBounds []models.Bounds
	for i, res := range summary.Results {
		if err := runner.Export(cases[i], res); err != nil {
			log.Fatalf("Failed to export case %s: %v", res.ID, err)
		}
		allBounds = append(allBounds, res.Patch.Bounds)
	}

	// Reuse the derived bounds against a co-registered second modality
	if *secondModality != "" {
		vols, err := loadVolumes(*secondModality)
		if err != nil {
			log.Fatalf("Failed to load second-modality volumes: %v", err)
		}
		patches, err := pipeline.CropSecondModality(vols, allBounds)
		if err != nil {
			log.Fatalf("Failed to crop second modality: %v", err)
		}
		for i, patch := range patches {
			name := fmt.Sprintf("%s_modality2_mask.vsv", summary.Results[i].ID)
			path := filepath.Join(cfg.Output.ResultsDir, summary.Results[i].ID, name)
			if err := volio.Save(path, patch); err != nil {
				log.Fatalf("Failed to save second-modality patch: %v", err)
			}
		}
		fmt.Printf("Cropped %d second-modality volume(s) with the derived bounds\n", len(patches))
	}

	fmt.Printf("\nEvaluation completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Results saved to: %s\n\n", cfg.Output.ResultsDir)
	fmt.Printf("Dice scores:\n")
	fmt.Printf("============\n")
	for _, res := range summary.Results {
		fmt.Printf("%-24s %.4f\n", res.ID, res.Dice)
	}
	fmt.Printf("mean = %.4f +- %.4f\n", summary.MeanDice, summary.StdDice)
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}

// loadCases pairs image and label files into cases, named after the
// image file stem.
func loadCases(imageList, labelList string) ([]models.Case, error) {
	imagePaths := strings.Split(imageList, ",")
	labelPaths := strings.Split(labelList, ",")
	if len(imagePaths) != len(labelPaths) {
		return nil, fmt.Errorf("have %d images but %d labels", len(imagePaths), len(labelPaths))
	}
	cases := make([]models.Case, len(imagePaths))
	for i := range imagePaths {
		image, err := volio.Load(strings.TrimSpace(imagePaths[i]))
		if err != nil {
			return nil, err
		}
		label, err := volio.Load(strings.TrimSpace(labelPaths[i]))
		if err != nil {
			return nil, err
		}
		base := filepath.Base(strings.TrimSpace(imagePaths[i]))
		cases[i] = models.Case{
			ID:    strings.TrimSuffix(base, filepath.Ext(base)),
			Image: image,
			Label: label,
		}
	}
	return cases, nil
}

func loadVolumes(list string) ([]*models.Volume, error) {
	paths := strings.Split(list, ",")
	vols := make([]*models.Volume, len(paths))
	for i, p := range paths {
		vol, err := volio.Load(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		vols[i] = vol
	}
	return vols, nil
}
