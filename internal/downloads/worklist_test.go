package downloads

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/ledger"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "points.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadWorkList(t *testing.T) {
	path := writeCSV(t, "\ufeffid,LAT,Lng,extra\n"+
		"1,40.0,-74.0,x\n"+
		"2,91,0,x\n"+ // latitude out of range
		"3,abc,0,x\n"+ // unparsable
		"1,41.0,-75.0,x\n"+ // repeated ID
		",1,1,x\n"+ // no ID
		"0042,-33.5,151.2,x\n")

	items, err := LoadWorkList(path, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, []WorkItem{
		{ID: "1", Lat: 40.0, Lng: -74.0},
		{ID: "0042", Lat: -33.5, Lng: 151.2},
	}, items)
}

func TestLoadWorkListMissingColumns(t *testing.T) {
	path := writeCSV(t, "ID,Lat\n1,2\n")
	_, err := LoadWorkList(path, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lng")
}

func TestLoadWorkListMissingFile(t *testing.T) {
	_, err := LoadWorkList(filepath.Join(t.TempDir(), "nope.csv"), logging.Discard())
	assert.Error(t, err)
}

func TestValidateCoordinates(t *testing.T) {
	assert.NoError(t, ValidateCoordinates(0, 0))
	assert.NoError(t, ValidateCoordinates(-90, 180))
	assert.Error(t, ValidateCoordinates(-90.1, 0))
	assert.Error(t, ValidateCoordinates(0, 180.5))
}

func TestBuildSkipSet(t *testing.T) {
	successes := []string{"a"}
	failures := []ledger.FailureRecord{
		{ID: "b", Reason: common.ReasonNoPanoID, Kind: common.KindNoPanoIDFound},
		{ID: "c", Reason: "timeout", Kind: common.KindNetworkTimeout},
		{ID: "d", Reason: common.ReasonAllTilesMissing, Kind: common.KindAllTilesMissing},
	}

	t.Run("retry off skips every failure", func(t *testing.T) {
		s := BuildSkipSet(successes, failures, false)
		assert.Equal(t, 4, s.Len())
		for _, id := range []string{"a", "b", "c", "d"} {
			assert.True(t, s.Contains(id), id)
		}
	})

	t.Run("retry on skips only permanent failures", func(t *testing.T) {
		s := BuildSkipSet(successes, failures, true)
		assert.Equal(t, 2, s.Len())
		assert.True(t, s.Contains("a"))
		assert.True(t, s.Contains("b"))
		assert.False(t, s.Contains("c"))
		assert.False(t, s.Contains("d"))
	})

	t.Run("add", func(t *testing.T) {
		s := NewSkipSet()
		s.Add("x")
		s.Add("x")
		assert.True(t, s.Contains("x"))
		assert.Equal(t, 1, s.Len())
	})
}
