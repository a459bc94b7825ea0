package aggregator

// Direction classifies a tick against the previous reference price.
type Direction int8

const (
	DirectionFlat Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "flat"
	}
}

// ProfileLevel is one fixed-width price bucket of the session's market
// profile. Delta is always BuyVolume − SellVolume; flat ticks raise Volume
// only.
type ProfileLevel struct {
	Price      float64 `json:"price"`
	Volume     int64   `json:"volume"`
	BuyVolume  int64   `json:"buyVolume"`
	SellVolume int64   `json:"sellVolume"`
	Delta      int64   `json:"delta"`
}

// MarketProfile is the session's full level ladder, sorted ascending by
// price.
type MarketProfile struct {
	Levels []ProfileLevel `json:"levels"`
}

// Snapshot is the complete derived state for one symbol: the payload of a
// symbolDataPackage message. Snapshots are immutable once published.
type Snapshot struct {
	Symbol           string        `json:"symbol"`
	Digits           int32         `json:"digits"`
	PipPosition      int32         `json:"pipPosition"`
	Bid              float64       `json:"bid"`
	Ask              float64       `json:"ask"`
	Mid              float64       `json:"mid"`
	TodaysOpen       float64       `json:"todaysOpen"`
	TodaysHigh       float64       `json:"todaysHigh"`
	TodaysLow        float64       `json:"todaysLow"`
	PreviousClose    float64       `json:"previousClose"`
	ProjectedAdrHigh float64       `json:"projectedAdrHigh"`
	ProjectedAdrLow  float64       `json:"projectedAdrLow"`
	MarketProfile    MarketProfile `json:"marketProfile"`
	VolatilityPct    float64       `json:"volatilityPct"`
}

// TickUpdate is the incremental per-tick emission: the payload of a tick
// message. ProfileDelta carries only the buckets this tick touched.
type TickUpdate struct {
	Symbol            string         `json:"symbol"`
	Bid               float64        `json:"bid"`
	Ask               float64        `json:"ask"`
	Mid               float64        `json:"mid"`
	Timestamp         int64          `json:"ts"`
	LastTickDirection string         `json:"lastTickDirection"`
	TodaysHigh        float64        `json:"todaysHigh"`
	TodaysLow         float64        `json:"todaysLow"`
	VolatilityPct     float64        `json:"volatilityPct"`
	ProfileDelta      []ProfileDelta `json:"profileDelta,omitempty"`
}

// ProfileDelta is one changed bucket inside a TickUpdate.
type ProfileDelta struct {
	Price      float64 `json:"price"`
	Volume     int64   `json:"volume"`
	BuyVolume  int64   `json:"buyVolume"`
	SellVolume int64   `json:"sellVolume"`
}
