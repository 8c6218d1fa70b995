package datasets

import (
	"fmt"
	"sort"
)

// CleaningOptions control how the three CSV inputs are joined into samples.
type CleaningOptions struct {
	// MaxCloudCover drops image rows whose cloud cover fraction exceeds it.
	// Zero means use DefaultMaxCloudCover; set a negative value to disable
	// the filter.
	MaxCloudCover float64

	// Target column that must resolve for every sample. Empty means
	// EmissionsTarget.
	Target string
}

// LoadFinalSamples joins the image metadata, CAMPD facilities and CAMPD
// emissions files into flat samples ready for dataset construction. Image
// rows without a matching facility or without emissions measured on the same
// day are dropped, as are rows that fail the cloud cover filter. The result
// is sorted by facility id then timestamp so downstream splits are
// deterministic.
func LoadFinalSamples(imageMetadataPath, facilitiesPath, emissionsPath string, opts CleaningOptions) ([]Sample, error) {
	if opts.MaxCloudCover == 0 {
		opts.MaxCloudCover = DefaultMaxCloudCover
	}
	if opts.Target == "" {
		opts.Target = EmissionsTarget
	}

	images, err := readImageMetadata(imageMetadataPath)
	if err != nil {
		return nil, err
	}
	facilities, err := readFacilities(facilitiesPath)
	if err != nil {
		return nil, err
	}
	emissions, err := readEmissions(emissionsPath)
	if err != nil {
		return nil, err
	}

	facilityByID := make(map[int64]FacilityRecord, len(facilities))
	for _, f := range facilities {
		facilityByID[f.FacilityID] = f
	}

	emissionsByDay := make(map[string]EmissionsRecord, len(emissions))
	for _, e := range emissions {
		y, m, d := e.Timestamp.Date()
		emissionsByDay[dayKey(e.FacilityID, y, int(m), d)] = e
	}

	samples := make([]Sample, 0, len(images))
	for _, img := range images {
		if opts.MaxCloudCover >= 0 && img.CloudCover > opts.MaxCloudCover {
			continue
		}
		facility, ok := facilityByID[img.FacilityID]
		if !ok {
			continue
		}
		y, m, d := img.Timestamp.Date()
		emission, ok := emissionsByDay[dayKey(img.FacilityID, y, int(m), d)]
		if !ok {
			continue
		}
		if img.CogURL == "" {
			continue
		}
		samples = append(samples, Sample{
			FacilityID:       facility.FacilityID,
			FacilityName:     facility.FacilityName,
			Latitude:         facility.Latitude,
			Longitude:        facility.Longitude,
			Timestamp:        img.Timestamp.Time,
			CO2MassShortTons: emission.CO2MassShortTons,
			CloudCover:       img.CloudCover,
			ImagePath:        img.CogURL,
		})
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("no usable samples after joining %s, %s and %s",
			imageMetadataPath, facilitiesPath, emissionsPath)
	}

	// Validate the target column resolves before any training starts.
	if _, ok := samples[0].Target(opts.Target); !ok {
		return nil, fmt.Errorf("unknown target column %q", opts.Target)
	}

	sort.Slice(samples, func(i, j int) bool {
		if samples[i].FacilityID != samples[j].FacilityID {
			return samples[i].FacilityID < samples[j].FacilityID
		}
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return samples, nil
}
