package subscription

import (
	"context"
	"time"

	"fxlens-tickd/internal/aggregator"
	"fxlens-tickd/internal/openapi"
)

// barPrimer fetches the trend-bar history that seeds one symbol's session
// state through the shared broker session.
type barPrimer struct {
	session  Session
	symbolID int64
}

var _ aggregator.Primer = (*barPrimer)(nil)

// DailyBars fetches the most recent daily bars: the window of completed
// sessions plus the bar still forming today. The calendar lookback is padded
// so weekends and holidays still yield enough bars; count caps the result.
func (p *barPrimer) DailyBars(ctx context.Context, window int) ([]openapi.TrendBar, error) {
	now := time.Now()
	from := now.AddDate(0, 0, -(window*2 + 7))
	f, err := p.session.Request(ctx, openapi.PayloadTypeGetTrendbarsReq, map[string]any{
		"ctidTraderAccountId": p.session.AccountID(),
		"symbolId":            p.symbolID,
		"period":              openapi.TrendbarPeriodD1,
		"fromTimestamp":       from.UnixMilli(),
		"toTimestamp":         now.UnixMilli(),
		"count":               uint32(window + 1),
	})
	if err != nil {
		return nil, err
	}
	return decodeBars(f), nil
}

// MinuteBars fetches the current session's 1-minute bars. A zero since means
// no daily bar covers today yet; fall back to the UTC day boundary.
func (p *barPrimer) MinuteBars(ctx context.Context, since time.Time) ([]openapi.TrendBar, error) {
	now := time.Now()
	if since.IsZero() {
		since = now.UTC().Truncate(24 * time.Hour)
	}
	f, err := p.session.Request(ctx, openapi.PayloadTypeGetTrendbarsReq, map[string]any{
		"ctidTraderAccountId": p.session.AccountID(),
		"symbolId":            p.symbolID,
		"period":              openapi.TrendbarPeriodM1,
		"fromTimestamp":       since.UnixMilli(),
		"toTimestamp":         now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return decodeBars(f), nil
}

func decodeBars(f openapi.Frame) []openapi.TrendBar {
	msgs := f.Messages("trendbar")
	bars := make([]openapi.TrendBar, 0, len(msgs))
	for _, m := range msgs {
		bars = append(bars, openapi.DecodeTrendbar(m))
	}
	return bars
}
