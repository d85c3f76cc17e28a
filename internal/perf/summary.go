package perf

import (
	"math"

	"github.com/bmwtx3/sol-basis-bot/internal/ledger"
)

// Summary holds the statistics the adaptive sizer feeds on.
type Summary struct {
	TradesTotal      int
	Wins             int
	WinRate          float64
	AvgWinQuote      float64
	AvgLossQuote     float64
	WLRatio          float64
	ProfitFactor     float64
	SharpeDaily      float64
	CurrentStreak    int
	MaxDrawdownQuote float64
}

// Summarize reduces the persisted log. It never divides by zero; the
// degenerate ratios come back as 0.
func (d *DB) Summarize() Summary {
	d.mu.RLock()
	outcomes := d.outcomes
	s := summarize(outcomes)
	d.mu.RUnlock()
	return s
}

func summarize(outcomes []ledger.TradeOutcome) Summary {
	s := Summary{TradesTotal: len(outcomes)}
	if len(outcomes) == 0 {
		return s
	}

	var sumWins, sumLosses float64
	var losses int
	for _, o := range outcomes {
		net, _ := o.NetQuotePnL.Float64()
		if o.Win {
			s.Wins++
			sumWins += net
		} else {
			losses++
			sumLosses += math.Abs(net)
		}
	}
	s.WinRate = float64(s.Wins) / float64(s.TradesTotal)
	if s.Wins > 0 {
		s.AvgWinQuote = sumWins / float64(s.Wins)
	}
	if losses > 0 {
		s.AvgLossQuote = sumLosses / float64(losses)
	}
	if s.AvgLossQuote > 0 {
		s.WLRatio = s.AvgWinQuote / s.AvgLossQuote
	}
	if sumLosses > 0 {
		s.ProfitFactor = sumWins / sumLosses
	}

	s.CurrentStreak = streak(outcomes)
	s.MaxDrawdownQuote = maxDrawdown(outcomes)
	s.SharpeDaily = sharpeDaily(outcomes)
	return s
}

// streak is the signed count of consecutive wins (+) or losses (-)
// ending at the most recent trade.
func streak(outcomes []ledger.TradeOutcome) int {
	n := len(outcomes)
	if n == 0 {
		return 0
	}
	winning := outcomes[n-1].Win
	count := 0
	for i := n - 1; i >= 0; i-- {
		if outcomes[i].Win != winning {
			break
		}
		count++
	}
	if winning {
		return count
	}
	return -count
}

// maxDrawdown walks cumulative net P&L and tracks the deepest fall
// from any running peak.
func maxDrawdown(outcomes []ledger.TradeOutcome) float64 {
	var cum, peak, deepest float64
	for _, o := range outcomes {
		net, _ := o.NetQuotePnL.Float64()
		cum += net
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > deepest {
			deepest = dd
		}
	}
	return deepest
}

// sharpeDaily buckets ROI by close day and annualizes mean/stddev
// with √252.
func sharpeDaily(outcomes []ledger.TradeOutcome) float64 {
	byDay := make(map[string]float64)
	var order []string
	for _, o := range outcomes {
		day := o.ClosedAt.UTC().Format("2006-01-02")
		if _, ok := byDay[day]; !ok {
			order = append(order, day)
		}
		byDay[day] += o.ROIPct
	}
	if len(order) < 2 {
		return 0
	}
	var sum float64
	for _, day := range order {
		sum += byDay[day]
	}
	mean := sum / float64(len(order))
	var ss float64
	for _, day := range order {
		d := byDay[day] - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(order)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
