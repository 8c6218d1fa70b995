package datasets

import "time"

// This package loads the coal emissions monitoring assets and presents them as
// image/label examples suitable for training a regression model.
//
// Three CSV inputs are involved:
//   - image metadata: one row per satellite image chip of a facility
//     (facility_id, ts, cog_url, cloud_cover)
//   - CAMPD facilities: one row per coal power plant
//     (facility_id, facility_name, latitude, longitude)
//   - CAMPD emissions: facility-level daily emissions
//     (facility_id, ts, co2_mass_short_tons)
//
// The three files are joined into flat Samples, which a CoalEmissionsDataset
// serves lazily: image chips are only decoded when a batch is built, keeping
// memory usage small. Batches convert into gomlx tensors through Batch.Tensors.

// EmissionsTarget is the default target column to predict.
const EmissionsTarget = "co2_mass_short_tons"

// Defaults for the dataset module knobs.
const (
	DefaultImageSize     = 224
	DefaultBatchSize     = 32
	DefaultTrainValRatio = 0.8
	DefaultTestYear      = 2023
	DefaultMaxDarkFrac   = 0.5
	DefaultMaxCloudCover = 0.5
)

// Stage names accepted by DataModule.Setup.
const (
	StageFit  = "fit"
	StageTest = "test"
)

// Sample is one joined row of the three CSV inputs: a facility, a day, the
// emissions measured on that day and the image chip taken of the facility.
type Sample struct {
	FacilityID       int64
	FacilityName     string
	Latitude         float64
	Longitude        float64
	Timestamp        time.Time
	CO2MassShortTons float64
	CloudCover       float64
	ImagePath        string
}

// Target returns the value of the named target column for the sample.
func (s Sample) Target(column string) (float64, bool) {
	switch column {
	case EmissionsTarget:
		return s.CO2MassShortTons, true
	case "cloud_cover":
		return s.CloudCover, true
	}
	return 0, false
}

// Metadata identifies the sample a batch entry came from. It mirrors the
// non-target columns of Sample so predictions can be traced back to a
// facility and a day.
type Metadata struct {
	FacilityID   int64
	FacilityName string
	Timestamp    time.Time
	ImagePath    string
}

// Meta returns the sample's metadata.
func (s Sample) Meta() Metadata {
	return Metadata{
		FacilityID:   s.FacilityID,
		FacilityName: s.FacilityName,
		Timestamp:    s.Timestamp,
		ImagePath:    s.ImagePath,
	}
}
