package datasets

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Data set names produced by the splitter.
const (
	SetTrain = "train"
	SetVal   = "val"
	SetTest  = "test"
)

// SetMapper assigns each facility to the train or validation set. The
// assignment is facility-level so images of one plant never appear on both
// sides of the split.
type SetMapper struct {
	sets map[int64]string
}

// NewSetMapper reads the CAMPD facilities file and deterministically assigns
// every facility to train or val according to trainValRatio. The assignment
// hashes the facility id, so it is stable across runs and across machines.
func NewSetMapper(facilitiesPath string, trainValRatio float64) (*SetMapper, error) {
	if trainValRatio <= 0 || trainValRatio >= 1 {
		return nil, fmt.Errorf("train/val ratio must be in (0, 1), got %v", trainValRatio)
	}
	facilities, err := readFacilities(facilitiesPath)
	if err != nil {
		return nil, err
	}

	sets := make(map[int64]string, len(facilities))
	for _, f := range facilities {
		if facilityFraction(f.FacilityID) < trainValRatio {
			sets[f.FacilityID] = SetTrain
		} else {
			sets[f.FacilityID] = SetVal
		}
	}
	return &SetMapper{sets: sets}, nil
}

// facilityFraction maps a facility id to a stable value in [0, 1).
func facilityFraction(facilityID int64) float64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(facilityID))
	h := fnv.New64a()
	h.Write(buf[:])
	return float64(h.Sum64()%10000) / 10000.0
}

// Set returns the facility's assigned set name.
func (m *SetMapper) Set(facilityID int64) (string, bool) {
	set, ok := m.sets[facilityID]
	return set, ok
}

// SplitSample decides which set a sample belongs to. Samples from the test
// year go to the test set regardless of their facility; everything else
// follows the facility assignment.
func (m *SetMapper) SplitSample(s Sample, testYear int) (string, error) {
	if s.Timestamp.Year() == testYear {
		return SetTest, nil
	}
	set, ok := m.sets[s.FacilityID]
	if !ok {
		return "", fmt.Errorf("facility %d not present in facilities file", s.FacilityID)
	}
	return set, nil
}

// SplitSamples partitions samples into train, val and test slices.
func (m *SetMapper) SplitSamples(samples []Sample, testYear int) (train, val, test []Sample, err error) {
	for _, s := range samples {
		set, err := m.SplitSample(s, testYear)
		if err != nil {
			return nil, nil, nil, err
		}
		switch set {
		case SetTrain:
			train = append(train, s)
		case SetVal:
			val = append(val, s)
		case SetTest:
			test = append(test, s)
		}
	}
	return train, val, test, nil
}
