package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// BlockColumn names the trajectory id column of a CSV table.
	BlockColumn = "block"
	// TimeColumn names the optional time column. It is kept as a feature and
	// also used to validate the time order of every block.
	TimeColumn = "time"
	// ResponsePrefix marks response columns; every other column is a feature.
	ResponsePrefix = "resp_"
)

// csvLayout maps header positions to table columns.
type csvLayout struct {
	header    []string
	block     int
	time      int // -1 when absent
	features  []int
	responses []int
}

func newCSVLayout(header []string) (*csvLayout, error) {
	l := &csvLayout{header: header, block: -1, time: -1}
	for i, raw := range header {
		col := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case col == BlockColumn:
			l.block = i
		case strings.HasPrefix(col, ResponsePrefix):
			l.responses = append(l.responses, i)
		default:
			if col == TimeColumn {
				l.time = i
			}
			l.features = append(l.features, i)
		}
	}
	if l.block < 0 {
		return nil, fmt.Errorf("required column %q not found in CSV", BlockColumn)
	}
	if len(l.responses) == 0 {
		return nil, fmt.Errorf("no response columns (prefix %q) found in CSV", ResponsePrefix)
	}
	if len(l.features) == 0 {
		return nil, fmt.Errorf("no feature columns found in CSV")
	}
	return l, nil
}

func (l *csvLayout) names(cols []int) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.TrimSpace(l.header[c])
	}
	return out
}

func (l *csvLayout) sameAs(header []string) bool {
	if len(header) != len(l.header) {
		return false
	}
	for i := range header {
		if !strings.EqualFold(strings.TrimSpace(header[i]), strings.TrimSpace(l.header[i])) {
			return false
		}
	}
	return true
}

// ReadCSV reads every CSV file matching pattern, in lexical order, into one
// table. All files must share the same header.
func ReadCSV(pattern string) (*Table, error) {
	paths, err := globSorted(pattern)
	if err != nil {
		return nil, err
	}

	t := &Table{Source: pattern}
	var layout *csvLayout
	for _, path := range paths {
		if layout, err = readCSVFile(path, layout, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func readCSVFile(path string, layout *csvLayout, t *Table) (*csvLayout, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if layout == nil {
		if layout, err = newCSVLayout(header); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		t.FeatureNames = layout.names(layout.features)
		t.ResponseNames = layout.names(layout.responses)
	} else if !layout.sameAs(header) {
		return nil, fmt.Errorf("%s: header differs from the first file", path)
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%s:%d: failed to read row: %w", path, line, err)
		}

		id, err := parseBlockID(record[layout.block])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: failed to parse %s: %w", path, line, BlockColumn, err)
		}
		features, err := parseColumns(record, layout.features, layout.header)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		responses, err := parseColumns(record, layout.responses, layout.header)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}

		t.BlockIDs = append(t.BlockIDs, id)
		t.Features = append(t.Features, features)
		t.Responses = append(t.Responses, responses)
		if layout.time >= 0 {
			v, _ := parseFloat32(record[layout.time]) // already parsed as a feature
			t.Time = append(t.Time, float64(v))
		}
	}
	return layout, nil
}

func parseColumns(record []string, cols []int, header []string) ([]float32, error) {
	out := make([]float32, len(cols))
	for i, c := range cols {
		v, err := parseFloat32(record[c])
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", strings.TrimSpace(header[c]), err)
		}
		out[i] = v
	}
	return out, nil
}

// WriteCSV writes t in the layout ReadCSV expects. Response columns are
// renamed with ResponsePrefix when they do not carry it already.
func WriteCSV(path string, t *Table) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{BlockColumn}
	header = append(header, t.FeatureNames...)
	for _, name := range t.ResponseNames {
		if !strings.HasPrefix(strings.ToLower(name), ResponsePrefix) {
			name = ResponsePrefix + name
		}
		header = append(header, name)
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	record := make([]string, len(header))
	for i := range t.BlockIDs {
		record[0] = fmt.Sprint(t.BlockIDs[i])
		k := 1
		for _, v := range t.Features[i] {
			record[k] = fmt.Sprint(v)
			k++
		}
		for _, v := range t.Responses[i] {
			record[k] = fmt.Sprint(v)
			k++
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}
	w.Flush()
	return w.Error()
}
