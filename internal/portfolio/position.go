package portfolio

import (
	"encoding/json"
	"fmt"
	"time"
)

// FillStatus tracks what the venue reported about a position's entry or exit
// order. The zero value means the order was never submitted to the venue
// (simulated trades keep it for their whole life).
type FillStatus int

const (
	FillNone FillStatus = iota
	Filled
	NotFilled
	PartiallyFilled
	NearFilled
	TradeError
)

var fillStatusNames = map[FillStatus]string{
	FillNone:        "",
	Filled:          "Filled",
	NotFilled:       "Not filled",
	PartiallyFilled: "Partially filled",
	NearFilled:      "~Filled",
	TradeError:      "KTrade Error",
}

func (f FillStatus) String() string {
	return fillStatusNames[f]
}

// Reconcilable reports whether an open order on the venue may still be
// working this position's quantity. ~Filled orders stay reconcilable: the
// venue book was indeterminate when they were classified, so a matching open
// order may yet surface.
func (f FillStatus) Reconcilable() bool {
	return f == NotFilled || f == PartiallyFilled || f == NearFilled
}

// Sellable reports whether the position's entry is settled enough for the
// rotation signal to consider exiting it.
func (f FillStatus) Sellable() bool {
	return f == FillNone || f == Filled || f == NearFilled
}

func (f FillStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *FillStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for status, name := range fillStatusNames {
		if name == s {
			*f = status
			return nil
		}
	}
	return fmt.Errorf("unknown fill status %q", s)
}

// PositionKind separates orders sent to the venue from simulated ones.
type PositionKind int

const (
	Live PositionKind = iota
	Simulated
)

func (k PositionKind) String() string {
	if k == Simulated {
		return "simulated"
	}
	return "live"
}

func (k PositionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *PositionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "live":
		*k = Live
	case "simulated":
		*k = Simulated
	default:
		return fmt.Errorf("unknown position kind %q", s)
	}
	return nil
}

// Position is one row of the ledger. Open positions leave the Sell* fields
// zero; closing a position fills them in and moves the row to the closed
// table.
type Position struct {
	Asset    string  `json:"asset"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Invest   float64 `json:"invest"`

	// PricePivot is the entry price expressed in the pivot asset. Stops and
	// position returns run in this denomination so a settle-currency rally
	// does not mask a loss against the pivot.
	PricePivot float64 `json:"price_pivot,omitempty"`

	OrderID   string    `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Kind PositionKind `json:"kind"`
	Fill FillStatus   `json:"fill"`

	// Signal provenance captured at entry.
	RankRise   int     `json:"rank_rise,omitempty"`
	TrendSlope float64 `json:"trend_slope,omitempty"`
	Volume24h  float64 `json:"volume_24h,omitempty"`

	TrailingMaxPivot float64 `json:"trailing_max_pivot,omitempty"`

	// Last observation written by the tick loop.
	LastSeen       time.Time `json:"last_seen,omitempty"`
	LastPricePivot float64   `json:"last_price_pivot,omitempty"`
	LastROIPivot   float64   `json:"last_roi_pivot,omitempty"`

	SellPrice      float64    `json:"sell_price,omitempty"`
	SellPricePivot float64    `json:"sell_price_pivot,omitempty"`
	SellOrderID    string     `json:"sell_order_id,omitempty"`
	SellFill       FillStatus `json:"sell_fill,omitempty"`
	SoldAt         time.Time  `json:"sold_at,omitempty"`
	ExitReason     string     `json:"exit_reason,omitempty"`

	OtherNotes string `json:"other_notes,omitempty"`
}

// ROI is the return of the position at the given price, relative to entry.
func (p *Position) ROI(price float64) float64 {
	if p.Price == 0 {
		return 0
	}
	return (price - p.Price) / p.Price
}

// ROIPivot is the return against the pivot-denominated entry price.
func (p *Position) ROIPivot(pricePivot float64) float64 {
	if p.PricePivot == 0 {
		return 0
	}
	return (pricePivot - p.PricePivot) / p.PricePivot
}
