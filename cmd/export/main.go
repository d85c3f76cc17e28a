package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bmwtx3/sol-basis-bot/internal/config"
	"github.com/bmwtx3/sol-basis-bot/internal/perf"
)

// export dumps the trade journal as CSV and prints the performance
// summary the adaptive sizer feeds on.
func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	journalPath := flag.String("journal", "data/trades.journal", "path to the trade journal")
	indexPath := flag.String("index", "data/trades.index.db", "path to the journal index")
	outPath := flag.String("out", "", "CSV output path, stdout when empty")
	summaryOnly := flag.Bool("summary", false, "print the summary only, no CSV")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal("load config: %v", err)
		}
		*journalPath = cfg.Perf.JournalPath
		*indexPath = cfg.Perf.IndexPath
	}

	db, err := perf.Open(*journalPath, *indexPath)
	if err != nil {
		fatal("open journal: %v", err)
	}
	defer db.Close()

	if !*summaryOnly {
		out := os.Stdout
		if *outPath != "" {
			f, err := os.Create(*outPath)
			if err != nil {
				fatal("create output: %v", err)
			}
			defer f.Close()
			out = f
		}
		if err := db.ExportCSV(out); err != nil {
			fatal("export: %v", err)
		}
	}

	s := db.Summarize()
	fmt.Fprintf(os.Stderr, "trades:         %d\n", s.TradesTotal)
	fmt.Fprintf(os.Stderr, "wins:           %d (%.1f%%)\n", s.Wins, s.WinRate*100)
	fmt.Fprintf(os.Stderr, "avg win:        %.2f\n", s.AvgWinQuote)
	fmt.Fprintf(os.Stderr, "avg loss:       %.2f\n", s.AvgLossQuote)
	fmt.Fprintf(os.Stderr, "w/l ratio:      %.3f\n", s.WLRatio)
	fmt.Fprintf(os.Stderr, "profit factor:  %.3f\n", s.ProfitFactor)
	fmt.Fprintf(os.Stderr, "sharpe (daily): %.3f\n", s.SharpeDaily)
	fmt.Fprintf(os.Stderr, "streak:         %+d\n", s.CurrentStreak)
	fmt.Fprintf(os.Stderr, "max drawdown:   %.2f\n", s.MaxDrawdownQuote)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
