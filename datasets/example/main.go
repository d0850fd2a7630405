package main

// Example command that previews the domain datasets before a long
// training run: it loads the source and target providers, pulls one
// batch through a prefetching loader and reports tensor shapes and
// memory. Handy as a smoke check of manifests and label metadata.
//
// Usage:
//   go run ./example -gta5-root <dir> -cityscapes-root <dir>

import (
	"flag"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"github.com/synthreal/adaptseg/datasets"
)

func main() {
	gta5Root := flag.String("gta5-root", "../assets/gta5", "source dataset directory, holding images/ and labels/")
	csRoot := flag.String("cityscapes-root", "../assets/cityscapes", "target dataset directory, holding images/ and labels/")
	batchSize := flag.Int("batch-size", 2, "preview batch size")
	flag.Parse()

	source, err := datasets.NewGTA5(datasets.GTA5Config{Root: *gta5Root})
	if err != nil {
		log.Fatalf("failed to load source dataset: %v", err)
	}
	fmt.Printf("Source dataset: %d samples, %d classes\n", source.Len(), source.NumClasses())

	if n := min(*batchSize, source.Len()); n > 0 {
		loader, err := datasets.NewLoader(source, datasets.LoaderConfig{BatchSize: n})
		if err != nil {
			log.Fatalf("failed to start preview loader: %v", err)
		}
		batch, err := loader.Next()
		if err != nil {
			log.Fatalf("failed to fetch preview batch: %v", err)
		}
		loader.Stop()

		img := batch.ImageTensor()
		fmt.Printf("Image tensor: %v (%s)\n", img.Shape(), humanize.Bytes(uint64(img.Shape().Memory())))
		if batch.Labels != nil {
			lab := batch.LabelTensor()
			fmt.Printf("Label tensor: %v (%s)\n", lab.Shape(), humanize.Bytes(uint64(lab.Shape().Memory())))
		}
		fmt.Printf("Samples: %v\n", batch.Names)
	}

	fmt.Println()

	// The target training split carries no labels on disk, so a failure
	// here is reported but not fatal for the preview.
	target, err := datasets.NewCityscapes(datasets.CityscapesConfig{Root: *csRoot, Mode: datasets.CityscapesTrain})
	if err != nil {
		fmt.Printf("Note: could not load target dataset: %v\n", err)
		return
	}
	fmt.Printf("Target dataset: %d samples\n", target.Len())
	if target.Len() > 0 {
		s, err := target.Get(0)
		if err != nil {
			log.Fatalf("failed to read target sample: %v", err)
		}
		fmt.Printf("First target sample: %s, %dx%d, %d channels\n", s.Name, s.Width, s.Height, s.Channels)
	}
}
