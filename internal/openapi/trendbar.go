package openapi

import (
	"time"

	"google.golang.org/protobuf/types/dynamicpb"
)

// TrendBar is a decoded ProtoOATrendbar. The broker encodes bars as a low
// price plus deltas; this unpacks them into absolute prices in price units.
type TrendBar struct {
	Timestamp time.Time
	Period    int32
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// DecodeTrendbar unpacks one trendbar message. Bars without a timestamp are
// reported at the zero time; callers treat those as unusable.
func DecodeTrendbar(m *dynamicpb.Message) TrendBar {
	low := MessageUint64(m, "low")
	tb := TrendBar{
		Period: MessageEnum(m, "period"),
		Low:    float64(low) / PriceDivisor,
		Open:   float64(low+MessageUint64(m, "deltaOpen")) / PriceDivisor,
		High:   float64(low+MessageUint64(m, "deltaHigh")) / PriceDivisor,
		Close:  float64(low+MessageUint64(m, "deltaClose")) / PriceDivisor,
		Volume: MessageInt64(m, "volume"),
	}
	if mins := MessageUint64(m, "utcTimestampInMinutes"); mins > 0 {
		tb.Timestamp = time.Unix(int64(mins)*60, 0).UTC()
	}
	return tb
}
