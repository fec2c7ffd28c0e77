package warming

import (
	"context"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// PrewarmHeavy refreshes every heavy dataset each hour. Every instance runs
// it; the refresh lock in the datasets service makes only one do the work.
var _ = cron.NewJob("prewarm-heavy", cron.JobConfig{
	Title:    "Prewarm Heavy Datasets",
	Schedule: "0 * * * *", // Every hour
	Endpoint: PrewarmHeavy,
})

//encore:api private
func PrewarmHeavy(ctx context.Context) error {
	if svc == nil {
		return nil
	}

	resp, err := svc.WarmDatasets(ctx, &WarmDatasetsRequest{AllHeavy: true})
	if err != nil {
		return err
	}
	rlog.Info("prewarm queued", "queued", resp.Queued, "dropped", resp.Dropped, "datasets", resp.Datasets)
	return nil
}
