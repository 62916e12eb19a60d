package datasets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/odenet/blocks"
)

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	content := header + "\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// trajectoryRows produces nBlocks trajectories of ntime rows:
// block,k,time,resp_a  with resp_a = k*time.
func trajectoryRows(nBlocks, ntime int) []string {
	var rows []string
	for b := 0; b < nBlocks; b++ {
		k := float64(b + 1)
		for s := 0; s < ntime; s++ {
			tm := float64(s) * 0.5
			rows = append(rows, fmt.Sprintf("%d,%g,%g,%g", b+1, k, tm, k*tm))
		}
	}
	return rows
}

func TestReadCSV_LoadAndValidate(t *testing.T) {
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "sim1.csv"), "block,k,time,resp_a", trajectoryRows(2, 4))
	writeCSV(t, filepath.Join(tmp, "sim2.csv"), "Block, K ,Time,RESP_a", []string{
		"3,3,0,0", "3,3,0.5,1.5", "3,3,1,3", "3,3,1.5,4.5",
	})

	tbl, err := ReadCSV(filepath.Join(tmp, "*.csv"))
	require.NoError(t, err)
	assert.Equal(t, 12, tbl.Len())
	assert.Equal(t, []string{"k", "time"}, tbl.FeatureNames)
	assert.Equal(t, []string{"resp_a"}, tbl.ResponseNames)
	assert.Equal(t, []float32{2, 0.5}, tbl.Features[5])
	assert.Equal(t, []float32{1}, tbl.Responses[5])
	assert.Len(t, tbl.Time, 12)

	idx, err := tbl.Validate()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, idx.IDs)
	assert.Equal(t, 4, idx.BlockSize)
}

func TestReadCSV_Errors(t *testing.T) {
	tmp := t.TempDir()

	writeCSV(t, filepath.Join(tmp, "noblock.csv"), "k,time,resp_a", []string{"1,0,0"})
	_, err := ReadCSV(filepath.Join(tmp, "noblock.csv"))
	assert.Error(t, err)

	writeCSV(t, filepath.Join(tmp, "noresp.csv"), "block,k,time", []string{"1,1,0"})
	_, err = ReadCSV(filepath.Join(tmp, "noresp.csv"))
	assert.Error(t, err)

	writeCSV(t, filepath.Join(tmp, "badblock.csv"), "block,k,resp_a", []string{"1.5,1,0"})
	_, err = ReadCSV(filepath.Join(tmp, "badblock.csv"))
	assert.Error(t, err)

	writeCSV(t, filepath.Join(tmp, "badvalue.csv"), "block,k,resp_a", []string{"1,x,0"})
	_, err = ReadCSV(filepath.Join(tmp, "badvalue.csv"))
	assert.Error(t, err)

	_, err = ReadCSV(filepath.Join(tmp, "missing*.csv"))
	assert.Error(t, err)
}

func TestValidate_LayoutErrors(t *testing.T) {
	tmp := t.TempDir()

	// time goes backwards inside block 2
	writeCSV(t, filepath.Join(tmp, "order.csv"), "block,time,resp_a", []string{
		"1,0,0", "1,1,0", "1,2,0", "2,0,0", "2,2,0", "2,1,0",
	})
	tbl, err := ReadCSV(filepath.Join(tmp, "order.csv"))
	require.NoError(t, err)
	_, err = tbl.Validate()
	assert.True(t, errors.Is(err, blocks.ErrInvalidLayout), "got %v", err)

	writeCSV(t, filepath.Join(tmp, "uneven.csv"), "block,time,resp_a", []string{
		"1,0,0", "1,1,0", "1,2,0", "2,0,0", "2,1,0", "3,0,0",
	})
	tbl, err = ReadCSV(filepath.Join(tmp, "uneven.csv"))
	require.NoError(t, err)
	_, err = tbl.Validate()
	assert.True(t, errors.Is(err, blocks.ErrInvalidLayout), "got %v", err)

	// declared counts disagree with the rows
	writeCSV(t, filepath.Join(tmp, "ok.csv"), "block,k,time,resp_a", trajectoryRows(2, 3))
	tbl, err = ReadCSV(filepath.Join(tmp, "ok.csv"))
	require.NoError(t, err)
	tbl.BlockLen = 4
	_, err = tbl.Validate()
	assert.True(t, errors.Is(err, blocks.ErrInvalidLayout), "got %v", err)
}

func TestWriteCSV_ReadBack(t *testing.T) {
	tmp := t.TempDir()
	src := &Table{
		FeatureNames:  []string{"theta0", "time"},
		ResponseNames: []string{"x"},
		Features:      [][]float32{{1, 0}, {1, 1}, {2, 0}, {2, 1}},
		Responses:     [][]float32{{0.5}, {0.25}, {1}, {2}},
		BlockIDs:      []int{0, 0, 1, 1},
	}
	path := filepath.Join(tmp, "out.csv")
	require.NoError(t, WriteCSV(path, src))

	got, err := ReadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, src.Features, got.Features)
	assert.Equal(t, src.Responses, got.Responses)
	assert.Equal(t, src.BlockIDs, got.BlockIDs)
	assert.Equal(t, []string{"resp_x"}, got.ResponseNames)
	assert.Equal(t, []float64{0, 1, 0, 1}, got.Time)
}

func TestOpen_Dispatch(t *testing.T) {
	_, err := Open("data.parquet")
	assert.Error(t, err)

	tmp := t.TempDir()
	path := filepath.Join(tmp, "sim.csv")
	writeCSV(t, path, "block,k,time,resp_a", trajectoryRows(1, 2))
	tbl, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func smallTable() *Table {
	t := &Table{FeatureNames: []string{"f"}, ResponseNames: []string{"r"}}
	for b := 0; b < 4; b++ {
		for s := 0; s < 3; s++ {
			t.BlockIDs = append(t.BlockIDs, b)
			t.Features = append(t.Features, []float32{float32(b*10 + s)})
			t.Responses = append(t.Responses, []float32{float32(-(b*10 + s))})
		}
	}
	return t
}

func TestSubset(t *testing.T) {
	tbl := smallTable()
	sub := tbl.Subset([]int{3, 4, 5, 9, 10, 11})
	assert.Equal(t, 6, sub.Len())
	assert.Equal(t, []int{1, 1, 1, 3, 3, 3}, sub.BlockIDs())

	in, lab, err := sub.Example(3)
	require.NoError(t, err)
	assert.Equal(t, []float32{30}, in)
	assert.Equal(t, []float32{-30}, lab)

	inputs, labels, err := sub.Batch([]int{5, 0})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{32}, {10}}, inputs)
	assert.Equal(t, [][]float32{{-32}, {-10}}, labels)

	_, _, err = sub.Batch([]int{6})
	assert.Error(t, err)
	_, _, err = sub.Example(-1)
	assert.Error(t, err)

	scaled := make([][]float32, tbl.Len())
	for i := range scaled {
		scaled[i] = []float32{float32(i)}
	}
	view := sub.WithFeatures(scaled)
	in, _, err = view.Example(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, in)
	in, _, _ = sub.Example(0)
	assert.Equal(t, []float32{10}, in, "original view keeps its features")
}

func TestFlatBatch(t *testing.T) {
	inputs := [][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}}
	labels := [][]float32{{1}, {2}, {3}, {4}}
	fb, err := MakeFlatBatch(inputs, labels)
	require.NoError(t, err)
	assert.Equal(t, 4, fb.Rows)
	assert.Equal(t, 2, fb.InputDim)
	assert.Equal(t, 1, fb.LabelDim)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, fb.Inputs)

	seqIn, seqLab, err := fb.Sequences(2)
	require.NoError(t, err)
	require.Len(t, seqIn, 2)
	assert.Equal(t, []float32{5, 6}, seqIn[1][0])
	assert.Equal(t, []float32{4}, seqLab[1][1])

	_, _, err = fb.Sequences(3)
	assert.Error(t, err)

	inT, labT, err := fb.ToGomlxTensors()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, inT.Shape().Dimensions)
	assert.Equal(t, []int{4, 1}, labT.Shape().Dimensions)

	inT, labT, err = fb.ToGomlxSequenceTensors(2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, inT.Shape().Dimensions)
	assert.Equal(t, []int{2, 2, 1}, labT.Shape().Dimensions)
	_, _, err = fb.ToGomlxSequenceTensors(3)
	assert.Error(t, err)

	_, err = MakeFlatBatch(inputs, labels[:2])
	assert.Error(t, err)
	_, err = MakeFlatBatch([][]float32{{1}, {1, 2}}, [][]float32{{1}, {2}})
	assert.Error(t, err)
	_, err = MakeFlatBatch([][]float32{{}}, [][]float32{{1}})
	assert.Error(t, err)
}

func TestFlatBatch_Empty(t *testing.T) {
	_, err := MakeFlatBatch(nil, nil)
	assert.ErrorIs(t, err, errEmptyBatch)

	var zero FlatBatch
	_, _, err = zero.ToGomlxTensors()
	assert.ErrorIs(t, err, errEmptyBatch)
	_, _, err = zero.ToGomlxSequenceTensors(2)
	assert.ErrorIs(t, err, errEmptyBatch)
}

func TestTensorFeed(t *testing.T) {
	tbl := smallTable()
	sub := tbl.Subset([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	s, err := blocks.NewSampler(sub.BlockIDs(), 3, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	feed := NewTensorFeed("train", sub, s)
	assert.Equal(t, "train", feed.Name())
	for _, sequences := range []bool{false, true} {
		feed.Sequences = sequences
		feed.Reset()
		batches := 0
		for {
			spec, inputs, labels, err := feed.Yield()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			assert.Nil(t, spec)
			require.Len(t, inputs, 1)
			require.Len(t, labels, 1)
			assert.NotNil(t, inputs[0])
			batches++
		}
		assert.Equal(t, 2, batches, "4 blocks at 3 per batch")

		_, _, _, err = feed.Yield()
		assert.ErrorIs(t, err, io.EOF, "exhausted until Reset")
	}

	ordered := NewTensorFeed("test", sub, s)
	ordered.Ordered = true
	_, _, _, err = ordered.Yield()
	require.NoError(t, err)
}

func TestLoader_OrderedAndComplete(t *testing.T) {
	tbl := smallTable()
	sub := tbl.Subset([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	batches := [][]int{{9, 10, 11}, {0, 1, 2, 6, 7, 8}, {3, 4, 5}}

	for _, workers := range []int{1, 3, 8} {
		l := NewLoader(sub, workers)
		got, err := l.Collect(context.Background(), slices.Values(batches))
		require.NoError(t, err)
		require.Len(t, got, 3)

		var rows []int
		for i, b := range got {
			assert.Equal(t, i, b.Seq)
			assert.Equal(t, batches[i], b.Indices)
			for j, idx := range b.Indices {
				assert.Equal(t, tbl.Features[idx], b.Inputs[j])
			}
			rows = append(rows, b.Indices...)
		}
		sort.Ints(rows)
		assert.Len(t, rows, 12)
	}
}

func TestLoader_StopsOnError(t *testing.T) {
	sub := smallTable().Subset([]int{0, 1, 2})
	l := NewLoader(sub, 2)

	calls := 0
	err := l.Run(context.Background(), slices.Values([][]int{{0}, {7}, {1}}), func(b *Batch) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	sentinel := errors.New("stop")
	err = l.Run(context.Background(), slices.Values([][]int{{0}, {1}, {2}}), func(b *Batch) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestLoader_Cancelled(t *testing.T) {
	sub := smallTable().Subset([]int{0, 1, 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewLoader(sub, 2).Run(ctx, slices.Values([][]int{{0}, {1}, {2}}), func(b *Batch) error {
		return nil
	})
	// either nothing was delivered before the cancellation was seen or the
	// context error is reported; a cancelled run never hangs
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
