package datasets

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create csv %s: %v", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(header + "\n"); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	for _, r := range rows {
		if _, err := f.WriteString(r + "\n"); err != nil {
			t.Fatalf("failed to write row: %v", err)
		}
	}
}

// writeChipPNG writes a size x size PNG filled with a uniform gray value.
func writeChipPNG(t *testing.T, path string, value uint8, size int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: value, G: value, B: value, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create png %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode png %s: %v", path, err)
	}
}

// fixture holds the paths of a synthetic three-CSV dataset.
type fixture struct {
	imageMetadata string
	facilities    string
	emissions     string
}

// buildFixture writes a small but fully joined dataset: numFacilities plants,
// each with two 2021 observations and one 2023 (test year) observation, plus
// one cloudy row and one all-black chip that exercise the filters.
func buildFixture(t *testing.T, dir string, numFacilities, chipSize int) fixture {
	t.Helper()

	var facilityRows, emissionRows, imageRows []string
	for id := 1; id <= numFacilities; id++ {
		facilityRows = append(facilityRows,
			fmt.Sprintf("%d,Plant %d,39.1,-84.5", id, id))

		// Chip brightness tracks the plant's emissions so the imagery
		// carries a learnable signal.
		value := uint8(40 + (id*5)%200)
		chip := filepath.Join(dir, fmt.Sprintf("chip_%d.png", id))
		writeChipPNG(t, chip, value, chipSize)

		for _, day := range []string{"2021-06-01", "2021-06-02", "2023-06-01"} {
			emissionRows = append(emissionRows,
				fmt.Sprintf("%d,%s,%.3f", id, day, float64(value)/255.0))
			imageRows = append(imageRows,
				fmt.Sprintf("%d,%s,%s,0.1", id, day, chip))
		}
	}

	// A too-cloudy row and a too-dark chip for facility 1.
	cloudyChip := filepath.Join(dir, "chip_cloudy.png")
	writeChipPNG(t, cloudyChip, 120, chipSize)
	imageRows = append(imageRows, fmt.Sprintf("1,2021-06-03,%s,0.9", cloudyChip))
	emissionRows = append(emissionRows, "1,2021-06-03,0.5")

	darkChip := filepath.Join(dir, "chip_dark.png")
	writeChipPNG(t, darkChip, 0, chipSize)
	imageRows = append(imageRows, fmt.Sprintf("1,2021-06-04,%s,0.1", darkChip))
	emissionRows = append(emissionRows, "1,2021-06-04,0.5")

	fx := fixture{
		imageMetadata: filepath.Join(dir, "image_metadata.csv"),
		facilities:    filepath.Join(dir, "campd_facilities.csv"),
		emissions:     filepath.Join(dir, "campd_emissions.csv"),
	}
	writeCSV(t, fx.imageMetadata, "facility_id,ts,cog_url,cloud_cover", imageRows)
	writeCSV(t, fx.facilities, "facility_id,facility_name,latitude,longitude", facilityRows)
	writeCSV(t, fx.emissions, "facility_id,ts,co2_mass_short_tons", emissionRows)
	return fx
}
