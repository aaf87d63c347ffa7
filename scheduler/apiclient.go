package scheduler

import (
	"context"
	"time"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/slot"
)

// ApiClient is the narrow HTTP capability both tasks depend on. It is
// satisfied by *apiclient.Client; scheduler tests wire a fake instead
// (spec §9 "no process-wide singletons inside the core").
type ApiClient interface {
	FetchQuota(ctx context.Context, s apiclient.Slot, logger apiclient.Logger) (slot.QuotaObservation, error)
	FetchModelUsage(ctx context.Context, s apiclient.Slot, window slot.UsageWindow, now time.Time, logger apiclient.Logger) (slot.UsageTotals, error)
	FetchToolUsage(ctx context.Context, s apiclient.Slot, window slot.UsageWindow, now time.Time, logger apiclient.Logger) (slot.ToolUsageTotals, error)
	SendWake(ctx context.Context, s apiclient.Slot, logger apiclient.Logger) error
}

func toAPISlot(cfg slot.Config) apiclient.Slot {
	return apiclient.Slot{
		Index:         cfg.Index,
		Token:         cfg.Token,
		QuotaURL:      cfg.QuotaURL,
		WakeURL:       cfg.WakeURL,
		ModelUsageURL: cfg.ModelUsageURL,
		ToolUsageURL:  cfg.ToolUsageURL,
		Logging:       cfg.Logging,
	}
}
