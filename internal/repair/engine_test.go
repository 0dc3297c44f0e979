package repair

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZrimYoung/StreetViewDownloader/internal/imagery"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/telemetry"
)

type engineDirs struct {
	input, output, problematic, progress string
}

func newEngineDirs(t *testing.T) engineDirs {
	t.Helper()
	root := t.TempDir()
	d := engineDirs{
		input:       filepath.Join(root, "in"),
		output:      filepath.Join(root, "edit"),
		problematic: filepath.Join(root, "problematic"),
		progress:    filepath.Join(root, "processing_progress.json"),
	}
	require.NoError(t, os.MkdirAll(d.input, 0755))
	return d
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 90}))
}

func (d engineDirs) engine(retryFailed bool, tracker telemetry.Tracker, onProgress func(RepairProgress)) *Engine {
	return NewEngine(Config{
		InputDir:        d.input,
		OutputDir:       d.output,
		ProblematicDir:  d.problematic,
		ProgressPath:    d.progress,
		Workers:         2,
		CheckpointEvery: 1,
		RetryFailed:     retryFailed,
		Tracker:         tracker,
		OnProgress:      onProgress,
		Logger:          logging.Discard(),
	})
}

func TestEngineRun(t *testing.T) {
	d := newEngineDirs(t)
	writePNG(t, filepath.Join(d.input, "border.png"), banded(200, 100, 20, 220))
	writeJPEG(t, filepath.Join(d.input, "normal.JPG"), banded(200, 100, 0, 220))
	require.NoError(t, os.WriteFile(filepath.Join(d.input, "broken.jpg"), []byte("not an image"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(d.input, "notes.txt"), []byte("ignored"), 0644))

	tracker := &telemetry.Recorder{}
	var mu sync.Mutex
	var events []RepairProgress
	report, err := d.engine(false, tracker, func(p RepairProgress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Normal)
	assert.Equal(t, 1, report.Problematic)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Interrupted)
	assert.Len(t, events, 3)
	assert.Equal(t, []string{telemetry.EventRepairCompleted}, tracker.Names())

	// Repaired copy written, original moved aside
	fixed, format, err := imagery.DecodeFile(filepath.Join(d.output, "border.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 200, 100), fixed.Bounds())
	assert.False(t, Inspect(fixed, DefaultBlackThreshold, DefaultBorderRatio).HasBorder)
	assert.FileExists(t, filepath.Join(d.problematic, "border.png"))
	assert.NoFileExists(t, filepath.Join(d.input, "border.png"))
	assert.FileExists(t, filepath.Join(d.input, "normal.JPG"))

	cp, err := LoadCheckpoint(d.progress)
	require.NoError(t, err)
	assert.Equal(t, []string{"border.png", "broken.jpg", "normal.JPG"}, cp.ProcessedFiles)
	assert.Equal(t, []string{"border.png"}, cp.ProblematicFiles)
	assert.Equal(t, []string{"broken.jpg"}, cp.FailedFiles)
	assert.Equal(t, []string{"normal.JPG"}, cp.NormalFiles)
	assert.Equal(t, 3, cp.TotalFiles)
	assert.Equal(t, 1, cp.Stats.ProblematicImages)
	_, err = time.Parse(time.RFC3339, cp.LastUpdate)
	assert.NoError(t, err)
}

func TestEngineResumesFromCheckpoint(t *testing.T) {
	d := newEngineDirs(t)
	writePNG(t, filepath.Join(d.input, "a.png"), banded(40, 20, 0, 200))
	writePNG(t, filepath.Join(d.input, "b.png"), banded(40, 20, 0, 200))
	require.NoError(t, os.WriteFile(filepath.Join(d.input, "c.png"), []byte("garbage"), 0644))

	_, err := d.engine(false, nil, nil).Run(context.Background())
	require.NoError(t, err)

	// A new file appears; only it is processed on the next run
	writePNG(t, filepath.Join(d.input, "d.png"), banded(40, 20, 0, 200))
	var seen []string
	report, err := d.engine(false, nil, func(p RepairProgress) { seen = append(seen, p.File) }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.AlreadyProcessed)
	assert.Equal(t, []string{"d.png"}, seen)

	// Retry mode brings the failed file back
	seen = nil
	report, err = d.engine(true, nil, func(p RepairProgress) { seen = append(seen, p.File) }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c.png"}, seen)
	assert.Equal(t, 1, report.Failed)

	cp, err := LoadCheckpoint(d.progress)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png", "c.png", "d.png"}, cp.ProcessedFiles)
	assert.Equal(t, []string{"c.png"}, cp.FailedFiles)
	assert.Equal(t, 1, cp.Stats.FailedImages)
	assert.Equal(t, 3, cp.Stats.ProcessedImages)
	assert.Equal(t, 3, cp.Stats.SkippedImages)
}

func TestEngineInterruptedBeforeScheduling(t *testing.T) {
	d := newEngineDirs(t)
	writePNG(t, filepath.Join(d.input, "a.png"), banded(40, 20, 0, 200))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := d.engine(false, nil, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)

	cp, err := LoadCheckpoint(d.progress)
	require.NoError(t, err)
	assert.Empty(t, cp.ProcessedFiles)
	assert.Equal(t, 1, cp.TotalFiles)
}

func TestListImagesLimit(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.webp", "a.TIFF", "b.bmp", "z.gif"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0755))

	names, err := ListImages(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.TIFF", "b.bmp", "c.webp"}, names)

	names, err = ListImages(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.TIFF", "b.bmp"}, names)
}

func TestLoadCheckpointMissing(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "none.json"))
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}
