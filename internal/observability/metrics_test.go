package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
)

func TestRecordersDoNotPanic(t *testing.T) {
	ctx := context.Background()
	for name, r := range map[string]Recorder{
		"otel": NewRecorder(),
		"noop": NoopRecorder{},
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				r.RecordTile(ctx, TileFetched)
				r.RecordPoint(ctx, common.Succeeded("1", "p", "1_p.jpg"))
				r.RecordPoint(ctx, common.Failed("2", common.ReasonNoPanoID, common.KindNoPanoIDFound))
				r.RecordBatch(ctx, 10, time.Second)
				r.RecordRepair(ctx, "normal")
			})
		})
	}
}
