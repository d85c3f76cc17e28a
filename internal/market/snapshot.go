package market

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

// ErrStaleSnapshot is returned when any requested field is past its
// freshness budget. Callers skip the tick and retry on the next one.
var ErrStaleSnapshot = errors.New("market snapshot is stale")

var ErrNoData = errors.New("market snapshot has no data yet")

type Freshness struct {
	Spot    time.Duration
	Perp    time.Duration
	Funding time.Duration
}

// Snapshot is a consistent composite view taken at one instant.
type Snapshot struct {
	SpotPrice         float64
	SpotConfidenceBps float64
	PerpMarkPrice     float64
	PerpIndexPrice    float64
	FundingRateHourly float64
	NextFundingTime   time.Time
	ObservedAt        time.Time
}

func (s Snapshot) BasisBps() float64 {
	if s.SpotPrice == 0 {
		return 0
	}
	return (s.PerpMarkPrice - s.SpotPrice) / s.SpotPrice * 10_000
}

// atomicFloat publishes a float64 through a uint64 bit pattern so
// readers never lock.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Store(v float64) { a.bits.Store(math.Float64bits(v)) }

func (a *atomicFloat) Load() float64 { return math.Float64frombits(a.bits.Load()) }

// Store holds the latest observation per field. One writer per field,
// any number of readers.
type Store struct {
	freshness Freshness

	spotPrice      atomicFloat
	spotConfidence atomicFloat
	spotObserved   atomic.Int64

	perpMark     atomicFloat
	perpIndex    atomicFloat
	perpObserved atomic.Int64

	fundingRate     atomicFloat
	nextFundingNano atomic.Int64
	fundingObserved atomic.Int64
}

func NewStore(freshness Freshness) *Store {
	if freshness.Spot <= 0 {
		freshness.Spot = 2 * time.Second
	}
	if freshness.Perp <= 0 {
		freshness.Perp = 2 * time.Second
	}
	if freshness.Funding <= 0 {
		freshness.Funding = 60 * time.Second
	}
	return &Store{freshness: freshness}
}

func (s *Store) PublishSpot(price, confidenceBps float64, observedAt time.Time) {
	if !validFloat(price) || price <= 0 {
		return
	}
	s.spotPrice.Store(price)
	s.spotConfidence.Store(confidenceBps)
	s.spotObserved.Store(observedAt.UnixNano())
}

func (s *Store) PublishPerp(mark, index float64, observedAt time.Time) {
	if !validFloat(mark) || mark <= 0 {
		return
	}
	s.perpMark.Store(mark)
	s.perpIndex.Store(index)
	s.perpObserved.Store(observedAt.UnixNano())
}

func (s *Store) PublishFunding(rateHourly float64, nextFunding time.Time, observedAt time.Time) {
	if !validFloat(rateHourly) {
		return
	}
	s.fundingRate.Store(rateHourly)
	s.nextFundingNano.Store(nextFunding.UnixNano())
	s.fundingObserved.Store(observedAt.UnixNano())
}

// Compose pulls every field and rejects the whole snapshot if any is
// past its budget. A field exactly at the boundary is still fresh.
func (s *Store) Compose(now time.Time) (Snapshot, error) {
	spotAt := s.spotObserved.Load()
	perpAt := s.perpObserved.Load()
	fundingAt := s.fundingObserved.Load()
	if spotAt == 0 || perpAt == 0 || fundingAt == 0 {
		return Snapshot{}, ErrNoData
	}
	if now.UnixNano()-spotAt > int64(s.freshness.Spot) {
		return Snapshot{}, ErrStaleSnapshot
	}
	if now.UnixNano()-perpAt > int64(s.freshness.Perp) {
		return Snapshot{}, ErrStaleSnapshot
	}
	if now.UnixNano()-fundingAt > int64(s.freshness.Funding) {
		return Snapshot{}, ErrStaleSnapshot
	}
	return Snapshot{
		SpotPrice:         s.spotPrice.Load(),
		SpotConfidenceBps: s.spotConfidence.Load(),
		PerpMarkPrice:     s.perpMark.Load(),
		PerpIndexPrice:    s.perpIndex.Load(),
		FundingRateHourly: s.fundingRate.Load(),
		NextFundingTime:   time.Unix(0, s.nextFundingNano.Load()).UTC(),
		ObservedAt:        now,
	}, nil
}

func validFloat(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
