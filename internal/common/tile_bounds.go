package common

import "fmt"

// TileCoord addresses one tile in a panorama grid
type TileCoord struct {
	Col int
	Row int
}

func (c TileCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.Col, c.Row)
}

// TileGrid describes the tile layout of a panorama at one zoom level
type TileGrid struct {
	Zoom     int
	TileSize int
	Cols     int
	Rows     int
}

// Width returns the canvas width in pixels
func (g TileGrid) Width() int {
	return g.Cols * g.TileSize
}

// Height returns the canvas height in pixels
func (g TileGrid) Height() int {
	return g.Rows * g.TileSize
}

// Count returns the number of tiles in the grid
func (g TileGrid) Count() int {
	return g.Cols * g.Rows
}

// Coords enumerates the grid column-major: every row of column 0, then
// every row of column 1, and so on.
func (g TileGrid) Coords() []TileCoord {
	coords := make([]TileCoord, 0, g.Count())
	for col := 0; col < g.Cols; col++ {
		for row := 0; row < g.Rows; row++ {
			coords = append(coords, TileCoord{Col: col, Row: row})
		}
	}
	return coords
}

// Offset returns the pixel position where the tile at c is pasted
func (g TileGrid) Offset(c TileCoord) (x, y int) {
	return c.Col * g.TileSize, c.Row * g.TileSize
}
