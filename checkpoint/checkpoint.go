// Package checkpoint persists training state between epochs and runs.
//
// A checkpoint is a gob encoded State compressed with zstd. It is written
// to a temporary file and renamed into place so an interrupted write never
// leaves a truncated checkpoint behind.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/odenet/surrogate"
)

const formatVersion = 2

// File names inside the output directory.
const (
	LatestFile    = "checkpoint.odenet.zst"
	BestFile      = "model_best.odenet.zst"
	BestTrainFile = "model_best_train.odenet.zst"
)

// State is everything needed to continue a run after an epoch.
type State struct {
	Version int
	RunID   string
	SavedAt time.Time

	// Epoch is the last completed epoch, starting at 1.
	Epoch int

	Split Split

	Model     surrogate.Snapshot
	Optimizer surrogate.OptimizerState
	Scheduler surrogate.SchedulerState

	BestTest  float64
	BestTrain float64

	// per completed epoch, for the loss curve
	TrainLoss []float64
	TestLoss  []float64
}

// Split records how the blocks of the run were partitioned. A run can only
// continue on the same partition.
type Split struct {
	Seed         int64
	TestRatio    float64
	TimeTrainLen int
	TestBlocks   []int
}

// Store persists checkpoints.
type Store interface {
	// Save writes st as the latest checkpoint and copies it to the best
	// files when the flags are set.
	Save(st *State, isBest, isBestTrain bool) error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// FileStore keeps checkpoints as files in one directory.
type FileStore struct {
	Dir string

	log *logrus.Logger
	enc *zstd.Encoder
}

// NewFileStore creates dir if needed and returns a store writing into it.
func NewFileStore(dir string, log *logrus.Logger) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &FileStore{Dir: dir, log: log, enc: enc}, nil
}

// Path returns the location of a checkpoint file of the store.
func (s *FileStore) Path(name string) string { return filepath.Join(s.Dir, name) }

// Save implements Store.
func (s *FileStore) Save(st *State, isBest, isBestTrain bool) error {
	st.Version = formatVersion
	st.SavedAt = time.Now()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	payload := s.enc.EncodeAll(buf.Bytes(), nil)

	targets := []string{LatestFile}
	if isBest {
		targets = append(targets, BestFile)
	}
	if isBestTrain {
		targets = append(targets, BestTrainFile)
	}
	for _, name := range targets {
		if err := s.writeAtomic(s.Path(name), payload); err != nil {
			return err
		}
	}
	s.log.WithFields(logrus.Fields{
		"epoch":      st.Epoch,
		"best":       isBest,
		"best_train": isBestTrain,
		"bytes":      len(payload),
	}).Debug("checkpoint saved")
	return nil
}

func (s *FileStore) writeAtomic(path string, payload []byte) error {
	tmpFile, err := os.CreateTemp(s.Dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(payload); err != nil {
		return fmt.Errorf("write temp checkpoint file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		s.log.WithError(err).Warn("sync temp checkpoint file")
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp checkpoint to %s: %w", path, err)
	}
	return nil
}

// Close releases the compressor.
func (s *FileStore) Close() error { return s.enc.Close() }

// Load reads a checkpoint written by FileStore.
func Load(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint %s: %w", path, err)
	}
	var st State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if st.Version != formatVersion {
		return nil, fmt.Errorf("checkpoint version mismatch: file=%d expected=%d", st.Version, formatVersion)
	}
	return &st, nil
}
