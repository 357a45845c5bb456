package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mabbasi6/merfish3d-analysis/pkg/config"
	"github.com/mabbasi6/merfish3d-analysis/pkg/dataset"
	"github.com/mabbasi6/merfish3d-analysis/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	datasetRoot := flag.String("dataset", "", "Path to the experiment directory")
	tile := flag.Int("tile", -1, "Tile index to register (default: all tiles)")
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	overwrite := flag.Bool("overwrite", false, "Re-register rounds whose results already exist")
	skipBits := flag.Bool("skip-bits", false, "Skip readout bit propagation")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration file and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config file: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *datasetRoot == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *overwrite {
		cfg.Processing.Overwrite = true
	}

	fmt.Println("================================")
	fmt.Println("MULTI-ROUND VOLUMETRIC REGISTRATION")
	fmt.Println("Rigid + dense alignment of tiled acquisition rounds")
	fmt.Println("================================")

	idx, err := dataset.Open(*datasetRoot)
	if err != nil {
		log.Fatalf("Failed to open dataset: %v", err)
	}

	tiles := idx.Tiles()
	fmt.Printf("Dataset: %s\n", *datasetRoot)
	fmt.Printf("Tiles discovered: %d\n", len(tiles))

	startTime := time.Now()
	processed := 0
	for _, info := range tiles {
		if *tile >= 0 && info.Index != *tile {
			continue
		}

		fmt.Printf("\nRegistering tile %d (%d rounds, %d bits)...\n",
			info.Index, len(info.Rounds), len(info.Bits))

		reg := pipeline.NewRegistrar(idx, pipeline.ParamsFromConfig(cfg, info.Index))
		if err := reg.RegisterRounds(); err != nil {
			log.Fatalf("Round registration failed for tile %d: %v", info.Index, err)
		}
		if !*skipBits {
			if err := reg.PropagateBits(); err != nil {
				log.Fatalf("Bit propagation failed for tile %d: %v", info.Index, err)
			}
		}
		processed++
	}
	if processed == 0 {
		log.Fatalf("Tile %d not present in dataset", *tile)
	}

	fmt.Printf("\nRegistration completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("Tiles processed: %d\n", processed)
}
