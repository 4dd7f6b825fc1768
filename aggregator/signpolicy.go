package aggregator

import "gammaflow/models"

// SignPolicy maps an option right to the sign its exposure contributes
// under a dealer-positioning assumption. The convention is pluggable
// because the assumption (dealers long calls, short puts) is a modeling
// choice, not a market fact.
type SignPolicy interface {
	GammaSign(right models.Right) float64
	VannaSign(right models.Right) float64
	CharmSign(right models.Right) float64
}

// DealerPositioning is the default policy: call exposure adds, put
// exposure subtracts, for gamma and vanna. Charm sums the two sides in
// the same direction.
type DealerPositioning struct{}

func (DealerPositioning) GammaSign(right models.Right) float64 {
	if right == models.Put {
		return -1
	}
	return 1
}

func (DealerPositioning) VannaSign(right models.Right) float64 {
	if right == models.Put {
		return -1
	}
	return 1
}

func (DealerPositioning) CharmSign(models.Right) float64 { return 1 }
