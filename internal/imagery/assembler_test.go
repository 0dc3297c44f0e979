package imagery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

// fakeSource serves solid-color PNG tiles and records the request order
type fakeSource struct {
	size    int
	colors  map[common.TileCoord]color.RGBA
	missing map[common.TileCoord]bool
	fatal   map[common.TileCoord]error
	garbage map[common.TileCoord]bool
	order   []common.TileCoord
}

func (s *fakeSource) FetchTile(_ context.Context, coord common.TileCoord) ([]byte, error) {
	s.order = append(s.order, coord)
	if err := s.fatal[coord]; err != nil {
		return nil, err
	}
	if s.missing[coord] {
		return nil, fmt.Errorf("%w: test", common.ErrTileMissing)
	}
	if s.garbage[coord] {
		return []byte("not an image"), nil
	}
	img := image.NewRGBA(image.Rect(0, 0, s.size, s.size))
	c := s.colors[coord]
	for y := 0; y < s.size; y++ {
		for x := 0; x < s.size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func tileColor(col, row int) color.RGBA {
	return color.RGBA{R: uint8(40 + col*50), G: uint8(40 + row*50), B: 200, A: 255}
}

func newFakeSource(grid common.TileGrid) *fakeSource {
	s := &fakeSource{
		size:    grid.TileSize,
		colors:  map[common.TileCoord]color.RGBA{},
		missing: map[common.TileCoord]bool{},
		fatal:   map[common.TileCoord]error{},
		garbage: map[common.TileCoord]bool{},
	}
	for _, c := range grid.Coords() {
		s.colors[c] = tileColor(c.Col, c.Row)
	}
	return s
}

func TestAssemblePlacesTilesColumnMajor(t *testing.T) {
	grid := common.TileGrid{Zoom: 1, TileSize: 8, Cols: 3, Rows: 2}
	src := newFakeSource(grid)

	img, stats, err := NewAssembler(grid, logging.Discard()).Assemble(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, AssembleStats{Total: 6, Placed: 6}, stats)
	assert.Equal(t, image.Rect(0, 0, 24, 16), img.Bounds())
	assert.Equal(t, []common.TileCoord{
		{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1},
	}, src.order)

	for _, c := range grid.Coords() {
		x, y := grid.Offset(c)
		assert.Equal(t, tileColor(c.Col, c.Row), img.RGBAAt(x+3, y+3), "tile %s", c)
	}
}

func TestAssemblePartialLeavesBlackHole(t *testing.T) {
	grid := common.TileGrid{TileSize: 4, Cols: 2, Rows: 1}
	src := newFakeSource(grid)
	src.missing[common.TileCoord{Col: 1, Row: 0}] = true

	img, stats, err := NewAssembler(grid, logging.Discard()).Assemble(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Missing)
	assert.Equal(t, 1, stats.Placed)
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(5, 1))
	assert.Equal(t, tileColor(0, 0), img.RGBAAt(1, 1))
}

func TestAssembleAllMissing(t *testing.T) {
	grid := common.TileGrid{TileSize: 4, Cols: 2, Rows: 2}
	src := newFakeSource(grid)
	for _, c := range grid.Coords() {
		src.missing[c] = true
	}
	// an undecodable tile counts as missing too
	src.missing[common.TileCoord{Col: 1, Row: 1}] = false
	src.garbage[common.TileCoord{Col: 1, Row: 1}] = true

	img, stats, err := NewAssembler(grid, logging.Discard()).Assemble(context.Background(), src)
	assert.ErrorIs(t, err, ErrAllTilesMissing)
	assert.Nil(t, img)
	assert.Equal(t, 4, stats.Missing)
}

func TestAssembleStopsOnFatalTile(t *testing.T) {
	grid := common.TileGrid{TileSize: 4, Cols: 2, Rows: 2}
	src := newFakeSource(grid)
	fatal := &common.PointError{Kind: common.KindAPIAuthForbidden, Reason: "denied"}
	src.fatal[common.TileCoord{Col: 0, Row: 1}] = fatal

	_, _, err := NewAssembler(grid, logging.Discard()).Assemble(context.Background(), src)
	var pe *common.PointError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, common.KindAPIAuthForbidden, pe.Kind)
	assert.Len(t, src.order, 2)
}

func TestEncodeRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for _, format := range []string{"jpeg", "png", "webp", "bmp", "tiff"} {
		t.Run(format, func(t *testing.T) {
			data, err := EncodeBytes(img, format, 90)
			require.NoError(t, err)
			decoded, _, err := image.Decode(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, img.Bounds(), decoded.Bounds())
		})
	}

	_, err := EncodeBytes(img, "gif", 0)
	assert.Error(t, err)
}
