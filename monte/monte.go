// Package monte is a nearest-neighbour Monte Carlo baseline for trajectory
// prediction. A query trajectory is matched by its initial inputs to the K
// closest reference trajectories; every simulation draws one of them with
// probability inversely proportional to its distance, and the ensemble mean
// of the draws is the prediction.
package monte

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
)

// Dataset is the row access the package needs. Row i belongs to block
// i/blockSize and rows of a block are time ordered.
type Dataset interface {
	Len() int
	Example(i int) (inputs []float32, labels []float32, err error)
}

// Trajectory is one reference block.
type Trajectory struct {
	// Key holds the inputs of the first time point.
	Key []float32

	// Responses holds one response row per time point.
	Responses [][]float32
}

// Trajectories cuts ds into consecutive blocks of blockSize rows.
func Trajectories(ds Dataset, blockSize int) ([]Trajectory, error) {
	if blockSize < 1 || ds.Len()%blockSize != 0 {
		return nil, fmt.Errorf("%d rows are not whole blocks of %d", ds.Len(), blockSize)
	}
	out := make([]Trajectory, ds.Len()/blockSize)
	for b := range out {
		tr := Trajectory{Responses: make([][]float32, blockSize)}
		for t := 0; t < blockSize; t++ {
			inputs, labels, err := ds.Example(b*blockSize + t)
			if err != nil {
				return nil, err
			}
			if t == 0 {
				tr.Key = inputs
			}
			tr.Responses[t] = labels
		}
		out[b] = tr
	}
	return out, nil
}

// SimulationResult holds one Monte Carlo draw.
type SimulationResult struct {
	Trajectory [][]float32

	// NeighborIdx is the index of the sampled reference trajectory.
	NeighborIdx int
}

// Monte samples reference trajectories near a query.
type Monte struct {
	Refs []Trajectory
	K    int

	// Eps keeps the inverse distance weight of an exact match finite.
	Eps float64

	// Workers bounds the goroutines of the neighbour search; zero means
	// runtime.NumCPU().
	Workers int

	rng *rand.Rand
}

// NewMonte returns a sampler over refs. k must be >= 1; it is capped at the
// number of references.
func NewMonte(refs []Trajectory, k int, rng *rand.Rand) (*Monte, error) {
	if len(refs) == 0 {
		return nil, errors.New("no reference trajectories")
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	if rng == nil {
		return nil, errors.New("random source cannot be nil")
	}
	steps := len(refs[0].Responses)
	for i, r := range refs {
		if len(r.Responses) != steps || len(r.Key) != len(refs[0].Key) {
			return nil, fmt.Errorf("reference %d has a different shape than reference 0", i)
		}
	}
	return &Monte{Refs: refs, K: k, Eps: 1e-6, rng: rng}, nil
}

// neighbor holds a reference candidate.
type neighbor struct {
	idx      int
	distance float64
}

// Simulate draws numSims reference trajectories among the K nearest
// neighbours of key.
func (m *Monte) Simulate(key []float32, numSims int) ([]SimulationResult, error) {
	if numSims <= 0 {
		return nil, fmt.Errorf("numSims must be > 0")
	}
	neighbors, err := m.knnNeighbors(key, m.K)
	if err != nil {
		return nil, err
	}

	weights := make([]float64, len(neighbors))
	var totalWeight float64
	for i, nb := range neighbors {
		w := 1.0 / (nb.distance + m.Eps)
		weights[i] = w
		totalWeight += w
	}

	results := make([]SimulationResult, numSims)
	for sim := range results {
		target := m.rng.Float64() * totalWeight
		acc := 0.0
		choice := len(neighbors) - 1
		for i, w := range weights {
			acc += w
			if target <= acc {
				choice = i
				break
			}
		}
		chosen := neighbors[choice].idx
		results[sim] = SimulationResult{Trajectory: m.Refs[chosen].Responses, NeighborIdx: chosen}
	}
	return results, nil
}

// Predict returns the ensemble mean of numSims simulations.
func (m *Monte) Predict(key []float32, numSims int) ([][]float32, error) {
	sims, err := m.Simulate(key, numSims)
	if err != nil {
		return nil, err
	}
	steps := len(sims[0].Trajectory)
	dim := len(sims[0].Trajectory[0])
	sum := make([][]float64, steps)
	for t := range sum {
		sum[t] = make([]float64, dim)
	}
	for _, s := range sims {
		for t, row := range s.Trajectory {
			for j, v := range row {
				sum[t][j] += float64(v)
			}
		}
	}
	out := make([][]float32, steps)
	for t := range out {
		out[t] = make([]float32, dim)
		for j := range out[t] {
			out[t][j] = float32(sum[t][j] / float64(len(sims)))
		}
	}
	return out, nil
}

// knnNeighbors scans every reference concurrently and returns up to k
// neighbours sorted by increasing distance, ties broken by index.
func (m *Monte) knnNeighbors(key []float32, k int) ([]neighbor, error) {
	n := len(m.Refs)
	if len(key) != len(m.Refs[0].Key) {
		return nil, fmt.Errorf("query has %d inputs, references have %d", len(key), len(m.Refs[0].Key))
	}

	workerCount := m.Workers
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	workerCount = min(workerCount, n)

	candidates := make([]neighbor, n)
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				candidates[i] = neighbor{idx: i, distance: math.Sqrt(euclideanDistanceSquared(key, m.Refs[i].Key))}
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].idx < candidates[j].idx
	})
	return candidates[:min(k, n)], nil
}

// euclideanDistanceSquared computes squared Euclidean distance between two equal-length float32 slices.
func euclideanDistanceSquared(a, b []float32) float64 {
	sum := 0.0
	for i := 0; i < len(a) && i < len(b); i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}
