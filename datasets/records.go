package datasets

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
)

// Date wraps time.Time so gocsv can parse the timestamp columns. The CAMPD
// exports use plain dates for emissions and RFC3339 timestamps for image
// metadata, so both layouts are accepted.
type Date struct {
	time.Time
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalCSV implements the gocsv field unmarshaler.
func (d *Date) UnmarshalCSV(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("empty timestamp")
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// MarshalCSV implements the gocsv field marshaler.
func (d Date) MarshalCSV() (string, error) {
	return d.Time.Format("2006-01-02 15:04:05"), nil
}

// ImageMetadataRecord is one row of the image metadata CSV: a single satellite
// image chip of a facility on a given day. CogURL holds the local path of the
// downloaded chip (the COG download itself happens outside this module).
type ImageMetadataRecord struct {
	FacilityID int64   `csv:"facility_id"`
	Timestamp  Date    `csv:"ts"`
	CogURL     string  `csv:"cog_url"`
	CloudCover float64 `csv:"cloud_cover"`
}

// FacilityRecord is one row of the CAMPD facilities CSV.
type FacilityRecord struct {
	FacilityID   int64   `csv:"facility_id"`
	FacilityName string  `csv:"facility_name"`
	Latitude     float64 `csv:"latitude"`
	Longitude    float64 `csv:"longitude"`
}

// EmissionsRecord is one row of the CAMPD facility-level daily emissions CSV.
type EmissionsRecord struct {
	FacilityID       int64   `csv:"facility_id"`
	Timestamp        Date    `csv:"ts"`
	CO2MassShortTons float64 `csv:"co2_mass_short_tons"`
}

// Required columns per input file, validated before parsing so a schema
// mismatch fails with a clear error instead of silently zeroed fields.
var (
	imageMetadataColumns = []string{"facility_id", "ts", "cog_url", "cloud_cover"}
	facilityColumns      = []string{"facility_id", "facility_name", "latitude", "longitude"}
	emissionsColumns     = []string{"facility_id", "ts", "co2_mass_short_tons"}
)

// readImageMetadata parses the image metadata CSV.
func readImageMetadata(path string) ([]ImageMetadataRecord, error) {
	if err := validateColumns(path, imageMetadataColumns); err != nil {
		return nil, err
	}
	var records []ImageMetadataRecord
	if err := readCSVFile(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// readFacilities parses the CAMPD facilities CSV.
func readFacilities(path string) ([]FacilityRecord, error) {
	if err := validateColumns(path, facilityColumns); err != nil {
		return nil, err
	}
	var records []FacilityRecord
	if err := readCSVFile(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// readEmissions parses the CAMPD emissions CSV.
func readEmissions(path string) ([]EmissionsRecord, error) {
	if err := validateColumns(path, emissionsColumns); err != nil {
		return nil, err
	}
	var records []EmissionsRecord
	if err := readCSVFile(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// readCSVFile unmarshals a whole CSV file into out, which must be a pointer to
// a slice of records.
func readCSVFile(path string, out any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open CSV %s: %w", path, err)
	}
	defer file.Close()

	if err := gocsv.UnmarshalFile(file, out); err != nil {
		return fmt.Errorf("failed to parse CSV %s: %w", path, err)
	}
	return nil
}
