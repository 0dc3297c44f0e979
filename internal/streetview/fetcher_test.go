package streetview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZrimYoung/StreetViewDownloader/internal/cache"
	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

type sleepRecorder struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses = append(s.pauses, d)
	return nil
}

func newTestFetcher(t *testing.T, statuses []int, tileCache *cache.TileCache) (*TileFetcher, *int32, *sleepRecorder) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v1/streetview/tiles/2/1/0", r.URL.Path)
		assert.Equal(t, "pano", r.URL.Query().Get("panoId"))
		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			fmt.Fprint(w, "tile-bytes")
		}
	}))
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	client := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", Logger: logging.Discard()})
	f := NewTileFetcher(client, FetcherConfig{
		Zoom:      2,
		SleepTime: 20 * time.Millisecond,
		RetryBase: time.Second,
		Cache:     tileCache,
		Logger:    logging.Discard(),
		Sleep:     rec.sleep,
	})
	return f, &calls, rec
}

func TestFetchTileRetryPolicy(t *testing.T) {
	tests := []struct {
		name        string
		statuses    []int
		wantCalls   int32
		wantData    bool
		wantMissing bool
		wantKind    common.ErrorKind
	}{
		{name: "ok", statuses: []int{200}, wantCalls: 1, wantData: true},
		{name: "not found no retry", statuses: []int{404}, wantCalls: 1, wantMissing: true},
		{name: "forbidden aborts", statuses: []int{403}, wantCalls: 1, wantKind: common.KindAPIAuthForbidden},
		{name: "unauthorized aborts", statuses: []int{401}, wantCalls: 1, wantKind: common.KindAPIAuthForbidden},
		{name: "bad request aborts", statuses: []int{400}, wantCalls: 1, wantKind: common.KindAPIBadRequest},
		{name: "unexpected status aborts", statuses: []int{418}, wantCalls: 1, wantKind: common.KindUnclassifiedHTTPStatus},
		{name: "server error then ok", statuses: []int{500, 502, 200}, wantCalls: 3, wantData: true},
		{name: "server error exhausted", statuses: []int{503}, wantCalls: 3, wantMissing: true},
		{name: "rate limit exhausted", statuses: []int{429}, wantCalls: 3, wantMissing: true},
		{name: "rate limit then ok", statuses: []int{429, 200}, wantCalls: 2, wantData: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, calls, _ := newTestFetcher(t, tt.statuses, nil)
			data, err := f.FetchTile(context.Background(), "sess", "pano", common.TileCoord{Col: 1, Row: 0})

			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(calls))
			switch {
			case tt.wantData:
				require.NoError(t, err)
				assert.Equal(t, []byte("tile-bytes"), data)
			case tt.wantMissing:
				assert.ErrorIs(t, err, common.ErrTileMissing)
			default:
				var pe *common.PointError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.wantKind, pe.Kind)
			}
		})
	}
}

func TestFetchTileBackoffSchedule(t *testing.T) {
	f, _, rec := newTestFetcher(t, []int{500, 500, 500}, nil)
	_, err := f.FetchTile(context.Background(), "s", "pano", common.TileCoord{Col: 1, Row: 0})
	require.ErrorIs(t, err, common.ErrTileMissing)

	// sleeptime after every attempt, backoff between attempts
	assert.Equal(t, []time.Duration{
		20 * time.Millisecond, time.Second,
		20 * time.Millisecond, 2 * time.Second,
		20 * time.Millisecond,
	}, rec.pauses)
}

func TestFetchTileRateLimitBackoffIsScaled(t *testing.T) {
	f, _, rec := newTestFetcher(t, []int{429, 429, 429}, nil)
	_, err := f.FetchTile(context.Background(), "s", "pano", common.TileCoord{Col: 1, Row: 0})
	require.ErrorIs(t, err, common.ErrTileMissing)

	assert.Equal(t, []time.Duration{
		20 * time.Millisecond, 5 * time.Second,
		20 * time.Millisecond, 10 * time.Second,
		20 * time.Millisecond,
	}, rec.pauses)
	assert.Equal(t, 3, f.client.RateLimits().TotalHits(common.EndpointTiles))
}

func TestFetchTileUsesCache(t *testing.T) {
	tileCache, err := cache.NewTileCache(t.TempDir(), 1)
	require.NoError(t, err)

	f, calls, rec := newTestFetcher(t, []int{200}, tileCache)
	coord := common.TileCoord{Col: 1, Row: 0}

	_, err = f.FetchTile(context.Background(), "s", "pano", coord)
	require.NoError(t, err)
	data, err := f.ForPanorama("s", "pano").FetchTile(context.Background(), coord)
	require.NoError(t, err)

	assert.Equal(t, []byte("tile-bytes"), data)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Len(t, rec.pauses, 1)
}

func TestFetchTileConnectionErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	rec := &sleepRecorder{}
	client := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", Logger: logging.Discard()})
	f := NewTileFetcher(client, FetcherConfig{Zoom: 2, Logger: logging.Discard(), Sleep: rec.sleep})

	_, err := f.FetchTile(context.Background(), "s", "pano", common.TileCoord{})
	assert.ErrorIs(t, err, common.ErrTileMissing)
	assert.Len(t, rec.pauses, 5)
}
