package risk

import (
	"errors"
	"math"
	"sort"
)

// Sizing rejection reasons. The driver logs these as skipped-signal events;
// none of them terminate a run.
var (
	ErrInvalidStopDistance = errors.New("invalid stop distance")
	ErrZeroVolume          = errors.New("volume rounds to zero")
	ErrRiskExceeded        = errors.New("realized risk exceeds maximum")
)

// DrawdownTier damps risk once drawdown from peak equity crosses a
// threshold. Tiers are evaluated descending; the highest crossed threshold
// wins.
type DrawdownTier struct {
	ThresholdPct float64 `json:"threshold_pct"`
	Factor       float64 `json:"factor"`
}

// SizerParameters are the broker and risk constraints used to convert a
// stop distance into a volume.
type SizerParameters struct {
	RiskPercent        float64        `json:"risk_percent"`
	MinRiskPercent     float64        `json:"min_risk_percent"`
	MaxRiskPercent     float64        `json:"max_risk_percent"`
	DrawdownTiers      []DrawdownTier `json:"drawdown_tiers"`
	TargetStopDistance float64        `json:"target_stop_distance"`
	ContractSize       float64        `json:"contract_size"`
	MinVolume          float64        `json:"min_volume"`
	MaxVolume          float64        `json:"max_volume"`
	VolumeStep         float64        `json:"volume_step"`
	// RiskTolerance is the fraction by which realized risk may overshoot
	// MaxRiskPercent before the signal is rejected. Rounding to the broker's
	// minimum volume step can overshoot on small accounts.
	RiskTolerance float64 `json:"risk_tolerance"`
}

func normalizeSizerParameters(p SizerParameters) SizerParameters {
	if p.RiskPercent <= 0 {
		p.RiskPercent = 1.0
	}
	if p.MinRiskPercent <= 0 {
		p.MinRiskPercent = 0.25
	}
	if p.MaxRiskPercent <= 0 {
		p.MaxRiskPercent = 2.0
	}
	if p.MaxRiskPercent < p.MinRiskPercent {
		p.MaxRiskPercent = p.MinRiskPercent
	}
	if p.ContractSize <= 0 {
		p.ContractSize = 100
	}
	if p.MinVolume <= 0 {
		p.MinVolume = 0.01
	}
	if p.MaxVolume <= 0 {
		p.MaxVolume = 100
	}
	if p.VolumeStep <= 0 {
		p.VolumeStep = 0.01
	}
	if p.RiskTolerance <= 0 {
		p.RiskTolerance = 0.5
	}
	tiers := append([]DrawdownTier(nil), p.DrawdownTiers...)
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].ThresholdPct > tiers[j].ThresholdPct
	})
	p.DrawdownTiers = tiers
	return p
}

// Sizing is the accepted outcome of a sizing request.
type Sizing struct {
	Volume             float64
	StopPrice          float64
	StopDistance       float64
	RiskAmount         float64
	DrawdownMultiplier float64
	SessionMultiplier  float64
}

// Sizer converts a proposed stop distance into a position size under
// min/max risk bounds, drawdown damping and the session multiplier.
type Sizer struct {
	params SizerParameters
}

// NewSizer builds a sizer with normalized parameters.
func NewSizer(params SizerParameters) *Sizer {
	return &Sizer{params: normalizeSizerParameters(params)}
}

// Parameters returns the normalized parameter set.
func (s *Sizer) Parameters() SizerParameters {
	return s.params
}

// drawdownMultiplier looks up the damping factor for the account's current
// drawdown. Tiers are pre-sorted descending at construction.
func (s *Sizer) drawdownMultiplier(drawdownPct float64) float64 {
	for _, tier := range s.params.DrawdownTiers {
		if drawdownPct >= tier.ThresholdPct {
			if tier.Factor > 0 {
				return tier.Factor
			}
			return 0
		}
	}
	return 1.0
}

// Size computes volume and the effective stop for an entry. direction is
// +1 for long, -1 for short. The returned stop is direction-aware: it moves
// away from entry whenever the configured target distance is wider than the
// strategy's proposal, so realized risk matches the target exactly.
func (s *Sizer) Size(direction int, entry, proposedStop float64, acct *Account, sessionMultiplier float64) (Sizing, error) {
	p := s.params

	proposedDistance := math.Abs(entry - proposedStop)
	if proposedStop <= 0 || proposedDistance <= 0 {
		return Sizing{}, ErrInvalidStopDistance
	}
	if sessionMultiplier <= 0 {
		sessionMultiplier = 1.0
	}

	ddMult := s.drawdownMultiplier(acct.DrawdownPct())

	targetRisk := acct.Balance * p.RiskPercent / 100 * ddMult * sessionMultiplier
	minRisk := acct.Balance * p.MinRiskPercent / 100
	maxRisk := acct.Balance * p.MaxRiskPercent / 100
	if targetRisk < minRisk {
		targetRisk = minRisk
	}
	if targetRisk > maxRisk {
		targetRisk = maxRisk
	}

	// The wider of the proposed and configured distances always yields the
	// smaller, safer lot.
	chosen := proposedDistance
	if p.TargetStopDistance > chosen {
		chosen = p.TargetStopDistance
	}

	volume := targetRisk / (chosen * p.ContractSize)
	volume = math.Floor(volume/p.VolumeStep+1e-9) * p.VolumeStep
	if volume < p.MinVolume {
		volume = p.MinVolume
	}
	if volume > p.MaxVolume {
		volume = p.MaxVolume
	}
	if volume <= 0 {
		return Sizing{}, ErrZeroVolume
	}

	// Safety valve: at the broker's minimum step the realized risk can
	// exceed what the account can afford.
	realizedRisk := volume * chosen * p.ContractSize
	if realizedRisk > maxRisk*(1+p.RiskTolerance) {
		return Sizing{}, ErrRiskExceeded
	}

	stop := proposedStop
	if chosen != proposedDistance {
		if direction > 0 {
			stop = entry - chosen
		} else {
			stop = entry + chosen
		}
	}

	return Sizing{
		Volume:             volume,
		StopPrice:          stop,
		StopDistance:       chosen,
		RiskAmount:         targetRisk,
		DrawdownMultiplier: ddMult,
		SessionMultiplier:  sessionMultiplier,
	}, nil
}
