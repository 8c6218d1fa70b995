package datasets

import (
	"encoding/csv"
	"fmt"
	"os"
)

// validateColumns reads the header row of a CSV file and verifies all required
// columns are present. Matching is exact, the same rule gocsv applies to
// struct tags, so a header that would parse into zeroed records is rejected
// here instead.
func validateColumns(path string, required []string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open CSV %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[col] = i
	}

	for _, col := range required {
		if _, ok := colIndex[col]; !ok {
			return fmt.Errorf("required column %q not found in %s", col, path)
		}
	}
	return nil
}

// dayKey collapses a timestamp to its date so image metadata and daily
// emissions rows join on the same day.
func dayKey(facilityID int64, year int, month, day int) string {
	return fmt.Sprintf("%d/%04d-%02d-%02d", facilityID, year, month, day)
}
