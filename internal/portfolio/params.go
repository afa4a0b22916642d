package portfolio

import (
	"strconv"
	"strings"
)

// Params is the strategy-parameter set a ledger was built with. Two ledgers
// with the same Params describe the same strategy run, so the signature keys
// backups in the store.
type Params struct {
	SettleCurrency   string  `json:"settle_currency"`
	UpDownMove       int     `json:"up_down_move"`
	WindowDays       int     `json:"window_days"`
	RankRiseBuyLimit int     `json:"rank_rise_buy_limit"`
	UniverseSize     int     `json:"universe_size"`
	Invest           float64 `json:"invest"`
	InvestMin        float64 `json:"invest_min"`
	StopLoss         float64 `json:"stop_loss"`
	TrailingArm      float64 `json:"trailing_arm"`
	TrailingStop     float64 `json:"trailing_stop"`
}

// Signature renders the parameter set as a stable underscore-joined key.
// The rank move threshold contributes both signs because it bounds rises
// and falls symmetrically.
func (p Params) Signature() string {
	parts := []string{
		strings.ToLower(p.SettleCurrency),
		strconv.Itoa(p.UpDownMove),
		strconv.Itoa(-p.UpDownMove),
		strconv.Itoa(p.WindowDays),
		formatParam(p.StopLoss),
		formatParam(p.TrailingArm),
		formatParam(p.TrailingStop),
		formatParam(p.Invest),
		formatParam(p.InvestMin),
		strconv.Itoa(p.UniverseSize),
		strconv.Itoa(p.RankRiseBuyLimit),
	}
	return strings.Join(parts, "_")
}

func formatParam(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
