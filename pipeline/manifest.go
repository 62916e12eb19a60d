package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Noofbiz/odenet/normalize"
)

// ManifestFile is the split manifest name inside the output directory.
const ManifestFile = "split.json"

// Dims are the problem dimensions of a run.
type Dims struct {
	NumSample  int `json:"nsample"`
	NumTheta   int `json:"ntheta"`
	NumSpec    int `json:"nspec"`
	InnerSize  int `json:"ninnersize"`
	BlockSize  int `json:"ntime"`
	NumBlocks  int `json:"nblocks"`
	NumTestSet int `json:"numsamptest"`
}

// Manifest records how a table was partitioned so that a model can later be
// evaluated on exactly the rows it never saw.
type Manifest struct {
	RunID        string    `json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
	Input        string    `json:"input"`
	Seed         int64     `json:"seed"`
	TestRatio    float64   `json:"test_ratio"`
	TimeTrainLen int       `json:"timetrainlen"`
	Dims         Dims      `json:"dims"`

	FeatureNames  []string `json:"feature_names"`
	ResponseNames []string `json:"response_names"`

	TrainBlocks []int `json:"train_blocks"`
	TestBlocks  []int `json:"test_blocks"`

	// Row indices into the input table.
	TrainIn   []int `json:"train_in"`
	TrainExtr []int `json:"train_extr"`
	TestIn    []int `json:"test_in"`
	TestExtr  []int `json:"test_extr"`

	Normalization *normalize.Stats `json:"normalization,omitempty"`
}

// NewManifest describes d. layerSizeRatio sets the reported hidden width.
func NewManifest(runID string, seed int64, testRatio, layerSizeRatio float64, d *Data) *Manifest {
	t := d.Table
	return &Manifest{
		RunID:        runID,
		CreatedAt:    time.Now().UTC(),
		Input:        t.Source,
		Seed:         seed,
		TestRatio:    testRatio,
		TimeTrainLen: d.TimeTrainLen,
		Dims: Dims{
			NumSample:  t.Len(),
			NumTheta:   t.NumFeatures(),
			NumSpec:    t.NumResponses(),
			InnerSize:  int(layerSizeRatio * float64(t.NumFeatures())),
			BlockSize:  d.Index.BlockSize,
			NumBlocks:  d.Index.NumBlocks(),
			NumTestSet: len(d.Plan.TestBlocks),
		},
		FeatureNames:  t.FeatureNames,
		ResponseNames: t.ResponseNames,
		TrainBlocks:   d.Plan.TrainBlocks,
		TestBlocks:    d.Plan.TestBlocks,
		TrainIn:       d.Plan.TrainIn,
		TrainExtr:     d.Plan.TrainExtr,
		TestIn:        d.Plan.TestIn,
		TestExtr:      d.Plan.TestExtr,
		Normalization: d.Stats,
	}
}

// Write stores the manifest as indented JSON.
func (m *Manifest) Write(path string) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads a manifest written by Write.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}
