package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/forest-guardian/aces-landcover/internal/earthengine"
	"github.com/forest-guardian/aces-landcover/internal/properties"
	"github.com/forest-guardian/aces-landcover/internal/session"
	"github.com/paulmach/orb"
)

func main() {
	// Hardcoded test parameters - modify these to test different scenarios
	image := "projects/servir-mekong/aces/composite_2021"
	bands := []string{"red", "green", "blue", "nir"}
	center := orb.Point{105.2, 12.45}
	scale := 10.0
	patchSize := 128

	fmt.Println("=== ACES Test Patch Download ===")
	fmt.Printf("Image: %s\n", image)
	fmt.Printf("Center: %v\n", center)
	fmt.Printf("Patch: %dx%d at %gm\n", patchSize, patchSize, scale)
	fmt.Println()

	if err := properties.LoadEnv("../../.env"); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
	if os.Getenv("EE_PROJECT") == "" {
		fmt.Println("Make sure you have set the required environment variables:")
		fmt.Println("- EE_PROJECT")
		fmt.Println("- EE_SERVICE_CREDENTIALS (optional, application default credentials otherwise)")
		fmt.Println()
	}

	ctx := context.Background()
	s, err := session.Open(ctx, session.Options{
		KeyFile:       os.Getenv("EE_SERVICE_CREDENTIALS"),
		Project:       os.Getenv("EE_PROJECT"),
		UseHighVolume: true,
	})
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	fmt.Printf("✓ Session opened for %s\n", s.Project)

	d := earthengine.NewDownloader(earthengine.NewClient(s))
	patch, err := d.GetTrainingPatch(ctx, center, earthengine.ImageLoad(image), bands, scale, patchSize)
	if err != nil {
		log.Fatalf("Failed to download patch: %v", err)
	}

	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Size: %dx%d, good: %v\n", patch.Width, patch.Height, patch.IsGood())
	for _, b := range patch.Bands {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range patch.Values[b] {
			lo = math.Min(lo, float64(v))
			hi = math.Max(hi, float64(v))
		}
		fmt.Printf("- %s: min %g, max %g\n", b, lo, hi)
	}

	fmt.Println("\n✓ Test completed successfully!")
}
