// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cohort

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validDataset() *Dataset {
	return &Dataset{
		Ntot:      6,
		Nind:      3,
		Ndose:     2,
		Nobs:      []int{2, 3, 1},
		Outcome:   []float64{1.2, 2.3, 0.5, 1.1, 1.9, 3.3},
		Time:      []float64{0, 1, 0, 0.5, 2, 1.5},
		Tstart:    0,
		ID:        []int{1, 1, 2, 2, 2, 3},
		DoseLevel: []int{1, 2, 2},
	}
}

// TestSpansPartition checks that for a variety of count vectors the spans
// exactly partition 0..Ntot-1 with no gaps or overlaps.
func TestSpansPartition(t *testing.T) {
	cases := [][]int{
		{1},
		{3},
		{2, 3, 1},
		{1, 1, 1, 1},
		{5, 2, 7, 1, 4},
	}
	for ci, nobs := range cases {
		sps, err := Spans(nobs)
		if err != nil {
			t.Fatal(err)
		}
		next := 0
		for i, sp := range sps {
			if sp.Start != next {
				t.Errorf("case %v: span %v starts at %v, want %v\n", ci, i, sp.Start, next)
			}
			if sp.Len() != nobs[i] {
				t.Errorf("case %v: span %v len %v, want %v\n", ci, i, sp.Len(), nobs[i])
			}
			next = sp.Stop + 1
		}
		tot := 0
		for _, n := range nobs {
			tot += n
		}
		if next != tot {
			t.Errorf("case %v: spans cover %v, want %v\n", ci, next, tot)
		}
	}
}

func TestSpansBadCounts(t *testing.T) {
	_, err := Spans([]int{2, 0, 1})
	require.Error(t, err)
	_, err = Spans([]int{-1})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validDataset().Validate())

	ds := validDataset()
	ds.Ntot = 7
	require.Error(t, ds.Validate(), "sum(Nobs) != Ntot")

	ds = validDataset()
	ds.Nobs[1] = 0
	require.Error(t, ds.Validate(), "non-positive Nobs")

	ds = validDataset()
	ds.DoseLevel[0] = 3
	require.Error(t, ds.Validate(), "dose level out of range")

	ds = validDataset()
	ds.DoseLevel[2] = 0
	require.Error(t, ds.Validate(), "dose level out of range")

	ds = validDataset()
	ds.Time[1] = -0.5
	require.Error(t, ds.Validate(), "time before Tstart")

	ds = validDataset()
	ds.Time[3] = 3 // after Time[4]=2 within individual 2
	require.Error(t, ds.Validate(), "times not ascending within individual")

	ds = validDataset()
	ds.ID[5] = 2
	require.Error(t, ds.Validate(), "ID inconsistent with grouping")

	ds = validDataset()
	ds.ID = ds.ID[:5]
	require.Error(t, ds.Validate(), "short ID")
}

func TestWindows(t *testing.T) {
	ds := validDataset()
	sps, err := ds.Index()
	require.NoError(t, err)
	require.Len(t, sps, 3)
	require.Equal(t, []float64{0, 0.5, 2}, ds.Times(sps[1]))
	require.Equal(t, []float64{3.3}, ds.Outcomes(sps[2]))
}

func TestJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "cohort.json")

	ds := validDataset()
	require.NoError(t, ds.SaveJSON(fname))

	got, err := OpenJSON(fname)
	require.NoError(t, err)
	require.Equal(t, ds, got)

	// invalid file content fails at load
	bad := validDataset()
	bad.Ntot = 99
	badf := filepath.Join(dir, "bad.json")
	require.NoError(t, bad.SaveJSON(badf))
	_, err = OpenJSON(badf)
	require.Error(t, err)
}

func TestTable(t *testing.T) {
	ds := validDataset()
	dt := ds.Table()
	require.Equal(t, ds.Ntot, dt.Rows)
	require.Equal(t, 4, dt.NumCols())
	require.Equal(t, 2.0, dt.CellFloat("Dose", 2)) // individual 2, dose 2
	require.Equal(t, 3.3, dt.CellFloat("Outcome", 5))
}
