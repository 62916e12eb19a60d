package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/odenet/datasets"
)

func writeSim(t *testing.T, dir string) string {
	t.Helper()
	tbl := &datasets.Table{FeatureNames: []string{"k", "time"}, ResponseNames: []string{"x"}}
	for b := 1; b <= 10; b++ {
		for i := 0; i < 6; i++ {
			tbl.BlockIDs = append(tbl.BlockIDs, b)
			tbl.Features = append(tbl.Features, []float32{float32(b), float32(i)})
			tbl.Responses = append(tbl.Responses, []float32{float32(b * i)})
		}
	}
	path := filepath.Join(dir, "sim.csv")
	require.NoError(t, datasets.WriteCSV(path, tbl))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	in := writeSim(t, dir)
	dst := filepath.Join(dir, "copy.csv")

	out, err := execute(t, "convert", in, dst)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 60 rows (10 blocks of 6)")

	tbl, err := datasets.ReadCSV(dst)
	require.NoError(t, err)
	assert.Equal(t, 60, tbl.Len())

	_, err = execute(t, "convert", in, dst)
	assert.Error(t, err, "refuses to overwrite")
}

func TestSplitAndInspect(t *testing.T) {
	dir := t.TempDir()
	in := writeSim(t, dir)
	outDir := filepath.Join(dir, "out")
	common := []string{"--input", in, "--output-dir", outDir, "--timetrainlen", "4", "--batch-size", "8", "--log-level", "error"}

	out, err := execute(t, append([]string{"split"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "8 train blocks, 2 test blocks of 6 rows (4 in-sample)")
	_, err = os.Stat(filepath.Join(outDir, "split.json"))
	require.NoError(t, err)

	out, err = execute(t, append([]string{"inspect", "--sequences"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "rows per batch: 8, block size: 4")
	assert.Contains(t, out, "original units")
}

func TestConfigErrors(t *testing.T) {
	_, err := execute(t, "split", "--input", "x.csv", "--optimizer", "lbfgs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown optimizer")

	_, err = execute(t, "train", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
