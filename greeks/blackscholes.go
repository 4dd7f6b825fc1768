// Package greeks computes Black-Scholes option Greeks for contracts whose
// feed-supplied Greek fields are missing or invalid. The feed is the source
// of truth when it delivers usable values; this engine is the fallback.
package greeks

import (
	"errors"
	"math"
	"time"

	"gammaflow/models"
)

// ErrInsufficientInputs is returned when the engine cannot compute without
// guessing. In particular a missing implied volatility is never substituted
// with a default; the caller excludes the contract from the current
// aggregation cycle instead.
var ErrInsufficientInputs = errors.New("greeks: insufficient inputs")

// TradingDaysPerYear is the day-count basis for time to expiry.
const TradingDaysPerYear = 252.0

// MinTimeToExpiry is the floor applied to time to expiry: one trading day.
// Contracts inside one calendar day of expiry are priced as if one trading
// day remained, which keeps d1/d2 finite near expiry.
const MinTimeToExpiry = 1.0 / TradingDaysPerYear

// Inputs carries the market data needed for a closed-form computation.
type Inputs struct {
	Spot          float64
	Strike        float64
	TimeToExpiry  float64 // years
	RiskFreeRate  float64
	DividendYield float64
	ImpliedVol    float64
	Right         models.Right
}

// Greeks is the result of one fallback computation. Charm is per day.
type Greeks struct {
	Delta float64
	Gamma float64
	Vanna float64
	Charm float64
}

// TimeToExpiry converts an expiry date to years on the trading-day basis,
// floored at MinTimeToExpiry.
func TimeToExpiry(expiry time.Time, now time.Time) float64 {
	days := expiry.Sub(now).Hours() / 24
	if days < 1 {
		days = 1
	}
	return days / TradingDaysPerYear
}

// Compute evaluates the closed-form Black-Scholes Greeks.
func Compute(in Inputs) (Greeks, error) {
	if !valid(in.Spot) || in.Spot <= 0 || !valid(in.Strike) || in.Strike <= 0 {
		return Greeks{}, ErrInsufficientInputs
	}
	if !valid(in.ImpliedVol) || in.ImpliedVol <= 0 {
		return Greeks{}, ErrInsufficientInputs
	}

	t := in.TimeToExpiry
	if t < MinTimeToExpiry {
		t = MinTimeToExpiry
	}

	sigma := in.ImpliedVol
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(in.Spot/in.Strike) + (in.RiskFreeRate-in.DividendYield+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	decay := math.Exp(-in.DividendYield * t)

	g := Greeks{}

	if in.Right == models.Call {
		g.Delta = decay * normCDF(d1)
	} else {
		g.Delta = decay * (normCDF(d1) - 1)
	}

	// Gamma and vanna are identical for calls and puts.
	g.Gamma = decay * normPDF(d1) / (in.Spot * sigma * sqrtT)
	g.Vanna = -decay * normPDF(d1) * d2 / sigma

	charm := in.DividendYield*decay*normCDF(d1) -
		decay*normPDF(d1)*((2*in.RiskFreeRate-in.DividendYield)*t-d2*sigma*sqrtT)/(2*t*sigma*sqrtT)
	if in.Right == models.Put {
		charm = -in.DividendYield*decay*normCDF(-d1) -
			decay*normPDF(d1)*((2*in.RiskFreeRate-in.DividendYield)*t-d2*sigma*sqrtT)/(2*t*sigma*sqrtT)
	}
	g.Charm = charm / 365 // per calendar day

	return g, nil
}

func valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
