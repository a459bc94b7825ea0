package aggregator

import (
	"math"
	"sort"
)

// profile is the session's bucketed tick histogram. Levels live in a slice
// kept sorted ascending by price; one session rarely grows past a few hundred
// levels, so binary search plus an in-place insert stays cheap and snapshots
// need no re-sort.
type profile struct {
	width  float64
	levels []ProfileLevel
}

func newProfile(pipPosition int32) *profile {
	return &profile{width: math.Pow(10, -float64(pipPosition))}
}

// record adds one tick at price with the given direction and returns a copy
// of the updated level. The bucket center is price rounded to a multiple of
// the bucket width.
func (p *profile) record(price float64, dir Direction) ProfileLevel {
	center := math.Round(price/p.width) * p.width
	i := sort.Search(len(p.levels), func(i int) bool {
		return p.levels[i].Price >= center-p.width/2
	})
	if i == len(p.levels) || math.Abs(p.levels[i].Price-center) > p.width/2 {
		p.levels = append(p.levels, ProfileLevel{})
		copy(p.levels[i+1:], p.levels[i:])
		p.levels[i] = ProfileLevel{Price: center}
	}
	lvl := &p.levels[i]
	lvl.Volume++
	switch dir {
	case DirectionUp:
		lvl.BuyVolume++
	case DirectionDown:
		lvl.SellVolume++
	}
	lvl.Delta = lvl.BuyVolume - lvl.SellVolume
	return *lvl
}

func (p *profile) reset() {
	p.levels = p.levels[:0]
}

func (p *profile) size() int {
	return len(p.levels)
}

// snapshot copies the ladder so callers can hand it off without racing the
// aggregator's next insert.
func (p *profile) snapshot() MarketProfile {
	return MarketProfile{Levels: append([]ProfileLevel(nil), p.levels...)}
}
