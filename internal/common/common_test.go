package common

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindPermanent(t *testing.T) {
	for kind := range knownKinds {
		assert.Equal(t, kind == KindNoPanoIDFound, kind.Permanent(), kind.String())
		assert.True(t, kind.Valid())
	}
	assert.False(t, ErrorKind("SOMETHING_ELSE").Valid())
	assert.Len(t, knownKinds, 13)
}

func TestFailedFromError(t *testing.T) {
	wrapped := fmt.Errorf("tile (1,0): %w", &PointError{Kind: KindAPIAuthForbidden, Reason: "HTTP 403"})
	o := FailedFromError("p1", wrapped, KindGeneralException)
	assert.Equal(t, Outcome{ID: "p1", Reason: "HTTP 403", Kind: KindAPIAuthForbidden}, o)

	o = FailedFromError("p2", errors.New("disk full"), KindInternalProcessing)
	assert.Equal(t, Outcome{ID: "p2", Reason: "disk full", Kind: KindInternalProcessing}, o)

	o = FailedFromError("p3", &PointError{Kind: KindAPIBadRequest}, KindGeneralException)
	assert.Equal(t, "API_BAD_REQUEST: ", o.Reason)
}

func TestPointErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &PointError{Kind: KindNetworkConnection, Reason: "tile", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "NETWORK_CONNECTION_ERROR: tile: connection reset", err.Error())
}

func TestTileGrid(t *testing.T) {
	g := TileGrid{Zoom: 1, TileSize: 512, Cols: 2, Rows: 3}
	assert.Equal(t, 1024, g.Width())
	assert.Equal(t, 1536, g.Height())
	assert.Equal(t, []TileCoord{
		{0, 0}, {0, 1}, {0, 2},
		{1, 0}, {1, 1}, {1, 2},
	}, g.Coords())

	x, y := g.Offset(TileCoord{Col: 1, Row: 2})
	assert.Equal(t, 512, x)
	assert.Equal(t, 1024, y)
}

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{
		"": FormatJPEG, "jpg": FormatJPEG, "JPEG": FormatJPEG, ".png": FormatPNG, "webp": FormatWebP,
	} {
		got, err := ParseOutputFormat(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOutputFormat("gif")
	assert.Error(t, err)
	assert.Equal(t, ".webp", FormatWebP.Extension())
}

func TestFormatFromPath(t *testing.T) {
	for path, want := range map[string]string{
		"a.JPG": "jpeg", "b.jpeg": "jpeg", "c.png": "png", "d.webp": "webp",
		"e.bmp": "bmp", "f.TIF": "tiff", "g.tiff": "tiff",
	} {
		got, ok := FormatFromPath(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	_, ok := FormatFromPath("h.gif")
	assert.False(t, ok)
}

func TestCheckpointTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	got, err := ParseCheckpointTime(FormatCheckpointTime(now))
	assert.NoError(t, err)
	assert.True(t, now.Equal(got))
	assert.Equal(t, "20240501T123000", FormatFileTime(now))

	_, err = ParseCheckpointTime("")
	assert.Error(t, err)
}
