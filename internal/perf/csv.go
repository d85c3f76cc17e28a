package perf

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"trade_id", "opened_at", "closed_at", "size_base", "net_quote_pnl",
	"roi_pct", "basis_open_bps", "basis_close_bps", "funding_apr_open_pct",
	"close_reason", "win",
}

// ExportCSV writes every persisted outcome in id order.
func (d *DB) ExportCSV(w io.Writer) error {
	out := csv.NewWriter(w)
	if err := out.Write(csvHeader); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	for _, o := range d.All() {
		row := []string{
			strconv.FormatUint(o.TradeID, 10),
			o.OpenedAt.UTC().Format(time.RFC3339Nano),
			o.ClosedAt.UTC().Format(time.RFC3339Nano),
			o.SizeBase.String(),
			o.NetQuotePnL.String(),
			strconv.FormatFloat(o.ROIPct, 'f', 6, 64),
			strconv.FormatFloat(o.BasisAtOpenBps, 'f', 4, 64),
			strconv.FormatFloat(o.BasisAtCloseBps, 'f', 4, 64),
			strconv.FormatFloat(o.FundingAPRAtOpenPct, 'f', 4, 64),
			string(o.CloseReason),
			strconv.FormatBool(o.Win),
		}
		if err := out.Write(row); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}
