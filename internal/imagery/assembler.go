package imagery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

// ErrAllTilesMissing is returned when not a single tile of a panorama could
// be obtained
var ErrAllTilesMissing = errors.New("all tiles missing")

// TileSource defines the interface for fetching the tiles of one panorama.
// Errors wrapping common.ErrTileMissing leave a hole in the canvas; any other
// error aborts assembly.
type TileSource interface {
	FetchTile(ctx context.Context, coord common.TileCoord) ([]byte, error)
}

// AssembleStats summarizes one assembly
type AssembleStats struct {
	Total   int
	Placed  int
	Missing int
}

// Assembler stitches a tile grid into one panorama
type Assembler struct {
	grid   common.TileGrid
	logger *slog.Logger
}

// NewAssembler creates a new assembler for grid
func NewAssembler(grid common.TileGrid, logger *slog.Logger) *Assembler {
	return &Assembler{
		grid:   grid,
		logger: logging.Component(logger, "assembler"),
	}
}

// Grid returns the assembler's tile layout
func (a *Assembler) Grid() common.TileGrid {
	return a.grid
}

// Assemble fetches every tile of the grid sequentially, column-major, and
// pastes each at (col*tileSize, row*tileSize). Tiles that cannot be decoded
// count as missing. A panorama with some tiles missing is returned with
// black holes; one with every tile missing returns ErrAllTilesMissing.
func (a *Assembler) Assemble(ctx context.Context, source TileSource) (*image.RGBA, AssembleStats, error) {
	coords := a.grid.Coords()
	stats := AssembleStats{Total: len(coords)}
	if len(coords) == 0 {
		return nil, stats, fmt.Errorf("no tiles to download")
	}

	outputImg := image.NewRGBA(image.Rect(0, 0, a.grid.Width(), a.grid.Height()))
	draw.Draw(outputImg, outputImg.Bounds(), image.Black, image.Point{}, draw.Src)

	for _, coord := range coords {
		data, err := source.FetchTile(ctx, coord)
		if err != nil {
			if errors.Is(err, common.ErrTileMissing) {
				stats.Missing++
				continue
			}
			return nil, stats, err
		}

		tile, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			a.logger.Warn("failed to decode tile", "tile", coord.String(), "error", err)
			stats.Missing++
			continue
		}

		xOffset, yOffset := a.grid.Offset(coord)
		destRect := image.Rect(xOffset, yOffset, xOffset+a.grid.TileSize, yOffset+a.grid.TileSize)
		draw.Draw(outputImg, destRect, tile, tile.Bounds().Min, draw.Src)
		stats.Placed++
	}

	if stats.Missing == stats.Total {
		return nil, stats, ErrAllTilesMissing
	}
	return outputImg, stats, nil
}
