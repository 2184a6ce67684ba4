// Package satgen produces synthetic satellite image metadata files, standing
// in for the external producer that feeds the pipeline's input directory.
package satgen

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sat-pipeline/internal/model"
)

var imageTypes = []string{"infrared", "visible_light", "thermal", "radar", "multispectral"}
var resolutions = []int{1, 5, 10, 30}

// ImageID formats the id used for the n-th image of a burst started at t.
func ImageID(t time.Time, n int) string {
	return fmt.Sprintf("sat_img_%d_%d", t.Unix(), n)
}

// Metadata returns one record in the producer's file schema.
func Metadata(id string, now time.Time, rng *rand.Rand) model.Record {
	return model.Record{
		model.FieldImageID:       id,
		"timestamp":              now.Format("2006-01-02T15:04:05.000000"),
		"image_type":             imageTypes[rng.IntN(len(imageTypes))],
		"latitude":               uniform(rng, -90, 90),
		"longitude":              uniform(rng, -180, 180),
		"resolution_meters":      resolutions[rng.IntN(len(resolutions))],
		"cloud_cover_percentage": uniform(rng, 0, 100),
		"additional_metadata": map[string]any{
			"orbit_number":       1000 + rng.IntN(9000),
			"sensor_temperature": uniform(rng, -50, 50),
		},
	}
}

// GenerateBurst returns n records stamped with now, numbered from start.
func GenerateBurst(now time.Time, start, n int, rng *rand.Rand) []model.Record {
	recs := make([]model.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, Metadata(ImageID(now, start+i), now, rng))
	}
	return recs
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
