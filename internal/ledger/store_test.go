package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "download_log.csv"), filepath.Join(dir, "failed_log.csv"), logging.Discard())
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestInitCreatesHeaders(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init())

	assert.Equal(t, "ID\n", readFile(t, s.SuccessPath()))
	assert.Equal(t, "ID,Reason,error_type\n", readFile(t, s.FailurePath()))

	// existing files are left alone
	require.NoError(t, os.WriteFile(s.SuccessPath(), []byte("ID\n7\n"), 0644))
	require.NoError(t, s.Init())
	assert.Equal(t, "ID\n7\n", readFile(t, s.SuccessPath()))
}

func TestAbsentAndEmptyLedgersHaveNoRecords(t *testing.T) {
	s := newTestStore(t)

	ids, err := s.SuccessIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, os.WriteFile(s.FailurePath(), nil, 0644))
	failures, err := s.Failures()
	require.NoError(t, err)
	assert.Empty(t, failures)

	require.NoError(t, s.MergeFailures([]FailureRecord{{ID: "1", Reason: "x", Kind: common.KindAPIServerError}}))
	assert.Equal(t, "ID,Reason,error_type\n1,x,API_SERVER_ERROR\n", readFile(t, s.FailurePath()))
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	records := []FailureRecord{
		{ID: "1", Reason: common.ReasonNoPanoID, Kind: common.KindNoPanoIDFound},
		{ID: "2", Reason: "tile (0,0) HTTP 403", Kind: common.KindAPIAuthForbidden},
	}

	require.NoError(t, s.MergeFailures(records))
	first := readFile(t, s.FailurePath())
	require.NoError(t, s.MergeFailures(records))
	assert.Equal(t, first, readFile(t, s.FailurePath()))

	require.NoError(t, s.MergeSuccesses([]string{"3", "4"}))
	firstOK := readFile(t, s.SuccessPath())
	require.NoError(t, s.MergeSuccesses([]string{"3", "4"}))
	assert.Equal(t, firstOK, readFile(t, s.SuccessPath()))
}

func TestMergeKeepsLastDuplicate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.SuccessPath(), []byte("ID\n1\n2\n3\n"), 0644))

	require.NoError(t, s.MergeSuccesses([]string{"2", "4", "2"}))
	assert.Equal(t, "ID\n1\n3\n4\n2\n", readFile(t, s.SuccessPath()))
}

func TestFailureKeyIncludesReasonAndKind(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MergeFailures([]FailureRecord{
		{ID: "1", Reason: "a", Kind: common.KindAPIServerError},
		{ID: "1", Reason: "b", Kind: common.KindAPIServerError},
		{ID: "1", Reason: "a", Kind: common.KindNetworkTimeout},
		{ID: "1", Reason: "a", Kind: common.KindAPIServerError},
	}))

	failures, err := s.Failures()
	require.NoError(t, err)
	assert.Equal(t, []FailureRecord{
		{ID: "1", Reason: "b", Kind: common.KindAPIServerError},
		{ID: "1", Reason: "a", Kind: common.KindNetworkTimeout},
		{ID: "1", Reason: "a", Kind: common.KindAPIServerError},
	}, failures)
}

func TestLegacyFailureLedgerIsBackfilled(t *testing.T) {
	s := newTestStore(t)
	legacy := "ID,Reason\n1,No panoId\n2,All tiles missing\n3,disk full\n"
	require.NoError(t, os.WriteFile(s.FailurePath(), []byte(legacy), 0644))

	failures, err := s.Failures()
	require.NoError(t, err)
	assert.Equal(t, []FailureRecord{
		{ID: "1", Reason: "No panoId", Kind: common.KindNoPanoIDFound},
		{ID: "2", Reason: "All tiles missing", Kind: common.KindAllTilesMissing},
		{ID: "3", Reason: "disk full", Kind: common.DefaultErrorKind},
	}, failures)

	require.NoError(t, s.MergeFailures(nil))
	assert.True(t, strings.HasPrefix(readFile(t, s.FailurePath()), "ID,Reason,error_type\n1,No panoId,NO_PANOID_FOUND\n"))
}

func TestLedgerToleratesBOMAndExtraColumns(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.SuccessPath(), []byte("\ufeffID,panoId\n10,abc\n11,def\n"), 0644))

	ids, err := s.SuccessIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "11"}, ids)
}

func TestMalformedLedgerIsMovedAside(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.SuccessPath(), []byte("name\nfoo\n"), 0644))

	ids, err := s.SuccessIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.MergeSuccesses([]string{"5"}))
	assert.Equal(t, "ID\n5\n", readFile(t, s.SuccessPath()))

	matches, err := filepath.Glob(s.SuccessPath() + ".malformed-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "name\nfoo\n", readFile(t, matches[0]))
}

func TestLedgersWithoutIDColumnLoadEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.SuccessPath(), []byte("id_x\n1\n2\n"), 0644))
	require.NoError(t, os.WriteFile(s.FailurePath(), []byte("Reason\nboom\n"), 0644))
	require.NoError(t, s.Init())

	ids, err := s.SuccessIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	failures, err := s.Failures()
	require.NoError(t, err)
	assert.Empty(t, failures)

	require.NoError(t, s.MergeFailures([]FailureRecord{{ID: "3", Reason: "x", Kind: common.KindAPIServerError}}))
	assert.Equal(t, "ID,Reason,error_type\n3,x,API_SERVER_ERROR\n", readFile(t, s.FailurePath()))
}

func TestWriteSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results_batch_1.csv")
	require.NoError(t, WriteSnapshot(path, []SnapshotRow{{ID: "1", PanoID: "p", File: "1_p.jpg"}}))
	assert.Equal(t, "ID,panoId,file\n1,p,1_p.jpg\n", readFile(t, path))
}
