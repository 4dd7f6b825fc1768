package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Right identifies the option side of a contract.
type Right string

const (
	Call Right = "C"
	Put  Right = "P"
)

// Contract identifies a single option instrument. It is immutable once
// subscribed; the feed addresses it by its dot-symbol ID.
type Contract struct {
	Underlying string    `json:"underlying"`
	Expiry     time.Time `json:"expiry"`
	Strike     float64   `json:"strike"`
	Right      Right     `json:"right"`
}

// ID returns the feed topic symbol for the contract, e.g. ".SPY250425C500"
// for the SPY 2025-04-25 500 call. Half strikes keep one decimal.
func (c Contract) ID() string {
	return fmt.Sprintf(".%s%s%s%s", c.Underlying, c.Expiry.Format("060102"), c.Right, formatStrike(c.Strike))
}

func formatStrike(strike float64) string {
	if math.Abs(strike-math.Round(strike)) < 1e-4 {
		return strconv.Itoa(int(math.Round(strike)))
	}
	return strconv.FormatFloat(strike, 'f', 1, 64)
}

// ParseContractID parses a dot symbol back into a Contract. The underlying
// ticker is everything before the six digit expiry date.
func ParseContractID(id string) (Contract, error) {
	if len(id) < 2 || id[0] != '.' {
		return Contract{}, fmt.Errorf("invalid contract id %q", id)
	}
	body := id[1:]

	// Expiry starts at the first digit run of length six.
	dateIdx := -1
	for i := 0; i+6 <= len(body); i++ {
		if isDigits(body[i : i+6]) {
			dateIdx = i
			break
		}
	}
	if dateIdx <= 0 {
		return Contract{}, fmt.Errorf("invalid contract id %q: no expiry date", id)
	}

	underlying := body[:dateIdx]
	rest := body[dateIdx:]
	if len(rest) < 8 {
		return Contract{}, fmt.Errorf("invalid contract id %q: truncated", id)
	}

	expiry, err := time.Parse("060102", rest[:6])
	if err != nil {
		return Contract{}, fmt.Errorf("invalid contract id %q: %w", id, err)
	}

	right := Right(rest[6:7])
	if right != Call && right != Put {
		return Contract{}, fmt.Errorf("invalid contract id %q: bad right %q", id, rest[6:7])
	}

	strike, err := strconv.ParseFloat(rest[7:], 64)
	if err != nil {
		return Contract{}, fmt.Errorf("invalid contract id %q: bad strike: %w", id, err)
	}

	return Contract{
		Underlying: underlying,
		Expiry:     expiry,
		Strike:     strike,
		Right:      right,
	}, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// BuildChain generates the call and put contracts around the current spot
// price: strikes run from spot-strikeRange to spot+strikeRange on the given
// spacing, with spot rounded to the nearest valid strike first. Weekly
// index symbols get their PM-settled root when the expiry is not the third
// Friday of its month.
func BuildChain(underlying string, expiry time.Time, spot, strikeRange, spacing float64) []Contract {
	if spot <= 0 || strikeRange <= 0 || spacing <= 0 {
		return nil
	}

	underlying = ChainRoot(underlying, expiry)

	rounded := math.Round(spot/spacing) * spacing
	count := int(2*strikeRange/spacing) + 1

	contracts := make([]Contract, 0, count*2)
	for i := 0; i < count; i++ {
		strike := rounded - strikeRange + float64(i)*spacing
		contracts = append(contracts,
			Contract{Underlying: underlying, Expiry: expiry, Strike: strike, Right: Call},
			Contract{Underlying: underlying, Expiry: expiry, Strike: strike, Right: Put},
		)
	}
	return contracts
}

// ChainRoot returns the option root for an underlying and expiry. Weekly
// index expiries trade under the PM-settled root.
func ChainRoot(underlying string, expiry time.Time) string {
	if isThirdFriday(expiry) {
		return underlying
	}
	switch underlying {
	case "SPX":
		return "SPXW"
	case "NDX":
		return "NDXP"
	case "RUT":
		return "RUTW"
	}
	return underlying
}

// Strikes extracts the unique sorted strike prices of a chain.
func Strikes(contracts []Contract) []float64 {
	seen := make(map[float64]struct{}, len(contracts))
	strikes := make([]float64, 0, len(contracts)/2)
	for _, c := range contracts {
		if _, ok := seen[c.Strike]; ok {
			continue
		}
		seen[c.Strike] = struct{}{}
		strikes = append(strikes, c.Strike)
	}
	sort.Float64s(strikes)
	return strikes
}

func isThirdFriday(d time.Time) bool {
	if d.Weekday() != time.Friday {
		return false
	}
	return d.Day() >= 15 && d.Day() <= 21
}

// ContractIDs maps a chain to its feed topic symbols.
func ContractIDs(contracts []Contract) []string {
	ids := make([]string, 0, len(contracts))
	for _, c := range contracts {
		ids = append(ids, c.ID())
	}
	return ids
}

// UnderlyingOf reports the underlying ticker for a feed topic: option dot
// symbols resolve through their contract, anything else is already an
// underlying symbol.
func UnderlyingOf(topic string) string {
	if strings.HasPrefix(topic, ".") {
		if c, err := ParseContractID(topic); err == nil {
			return c.Underlying
		}
	}
	return topic
}
