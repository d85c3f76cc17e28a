package perf

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// ErrPersistence wraps any failure of the underlying stores. The
// agent pauses on it; the position itself is never touched.
var ErrPersistence = errors.New("performance store rejected write")

var ErrVersionMismatch = errors.New("journal file version mismatch")

const journalVersion byte = 1

// record is the wire form of a trade outcome. Decimals travel as
// strings to keep exact scale.
type record struct {
	TradeID    uint64  `msgpack:"id"`
	OpenedAt   int64   `msgpack:"oa"`
	ClosedAt   int64   `msgpack:"ca"`
	SizeBase   string  `msgpack:"sz"`
	Gross      string  `msgpack:"gp"`
	Fees       string  `msgpack:"fe"`
	Funding    string  `msgpack:"fu"`
	Net        string  `msgpack:"np"`
	ROIPct     float64 `msgpack:"roi"`
	BasisOpen  float64 `msgpack:"bo"`
	BasisClose float64 `msgpack:"bc"`
	APROpen    float64 `msgpack:"ao"`
	Win        bool    `msgpack:"w"`
	Reason     string  `msgpack:"r"`
}

// DB is the durable trade-outcome store: an append-only file of
// length-prefixed, crc32-framed msgpack records behind a version byte,
// plus a sqlite sidecar index by trade id. The journal is the source
// of truth; the sidecar is rebuilt from it on open when rows are
// missing.
type DB struct {
	mu       sync.RWMutex
	file     *os.File
	index    *sql.DB
	outcomes []ledger.TradeOutcome
	nextID   uint64
}

func Open(journalPath, indexPath string) (*DB, error) {
	file, err := os.OpenFile(journalPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	outcomes, err := loadJournal(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	index, err := openIndex(indexPath)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := reconcileIndex(index, outcomes); err != nil {
		_ = file.Close()
		_ = index.Close()
		return nil, err
	}
	nextID := uint64(1)
	if n := len(outcomes); n > 0 {
		nextID = outcomes[n-1].TradeID + 1
	}
	return &DB{file: file, index: index, outcomes: outcomes, nextID: nextID}, nil
}

func loadJournal(file *os.File) ([]ledger.TradeOutcome, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if info.Size() == 0 {
		if _, err := file.Write([]byte{journalVersion}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil, nil
	}
	version := make([]byte, 1)
	if _, err := file.ReadAt(version, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if version[0] != journalVersion {
		return nil, fmt.Errorf("%w: file has version %d, want %d", ErrVersionMismatch, version[0], journalVersion)
	}
	if _, err := file.Seek(1, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	var out []ledger.TradeOutcome
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: truncated record header: %w", ErrPersistence, err)
		}
		size := binary.BigEndian.Uint32(header[:4])
		sum := binary.BigEndian.Uint32(header[4:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(file, payload); err != nil {
			return nil, fmt.Errorf("%w: truncated record body: %w", ErrPersistence, err)
		}
		if got := crc32.ChecksumIEEE(payload); got != sum {
			return nil, fmt.Errorf("%w: record checksum mismatch at trade %d", ErrPersistence, len(out)+1)
		}
		var rec record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode record: %w", ErrPersistence, err)
		}
		outcome, err := rec.toOutcome()
		if err != nil {
			return nil, err
		}
		out = append(out, outcome)
	}
	return out, nil
}

func openIndex(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS trade_index (
		trade_id INTEGER PRIMARY KEY,
		closed_at INTEGER NOT NULL,
		net_quote_pnl TEXT NOT NULL,
		win INTEGER NOT NULL,
		close_reason TEXT NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return db, nil
}

// reconcileIndex re-inserts journal records the sidecar is missing, so
// a lost or lagging index heals on restart.
func reconcileIndex(db *sql.DB, outcomes []ledger.TradeOutcome) error {
	for _, o := range outcomes {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO trade_index (trade_id, closed_at, net_quote_pnl, win, close_reason) VALUES (?, ?, ?, ?, ?)`,
			o.TradeID, o.ClosedAt.UnixNano(), o.NetQuotePnL.String(), o.Win, string(o.CloseReason),
		); err != nil {
			return fmt.Errorf("%w: index reconcile: %w", ErrPersistence, err)
		}
	}
	return nil
}

// Append assigns the next trade id, writes the record durably and
// indexes it. The id is strictly increasing. Once the fsync lands the
// record exists regardless of what the sidecar does; an index failure
// still errors, and the missing row heals on the next open.
func (d *DB) Append(ctx context.Context, outcome ledger.TradeOutcome) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	outcome.TradeID = d.nextID

	payload, err := msgpack.Marshal(fromOutcome(outcome))
	if err != nil {
		return 0, fmt.Errorf("%w: encode: %w", ErrPersistence, err)
	}
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[8:], payload)
	if _, err := d.file.Write(buf); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := d.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	d.outcomes = append(d.outcomes, outcome)
	d.nextID++
	if _, err := d.index.ExecContext(ctx,
		`INSERT INTO trade_index (trade_id, closed_at, net_quote_pnl, win, close_reason) VALUES (?, ?, ?, ?, ?)`,
		outcome.TradeID, outcome.ClosedAt.UnixNano(), outcome.NetQuotePnL.String(), outcome.Win, string(outcome.CloseReason),
	); err != nil {
		return outcome.TradeID, fmt.Errorf("%w: index insert: %w", ErrPersistence, err)
	}
	return outcome.TradeID, nil
}

// All returns a copy of every persisted outcome in id order.
func (d *DB) All() []ledger.TradeOutcome {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ledger.TradeOutcome, len(d.outcomes))
	copy(out, d.outcomes)
	return out
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	if err := d.file.Close(); err != nil {
		first = err
	}
	if err := d.index.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func fromOutcome(o ledger.TradeOutcome) record {
	return record{
		TradeID:    o.TradeID,
		OpenedAt:   o.OpenedAt.UnixNano(),
		ClosedAt:   o.ClosedAt.UnixNano(),
		SizeBase:   o.SizeBase.String(),
		Gross:      o.GrossQuotePnL.String(),
		Fees:       o.FeesQuote.String(),
		Funding:    o.FundingReceivedQuote.String(),
		Net:        o.NetQuotePnL.String(),
		ROIPct:     o.ROIPct,
		BasisOpen:  o.BasisAtOpenBps,
		BasisClose: o.BasisAtCloseBps,
		APROpen:    o.FundingAPRAtOpenPct,
		Win:        o.Win,
		Reason:     string(o.CloseReason),
	}
}

func (r record) toOutcome() (ledger.TradeOutcome, error) {
	size, err := decimal.NewFromString(r.SizeBase)
	if err != nil {
		return ledger.TradeOutcome{}, fmt.Errorf("%w: size: %w", ErrPersistence, err)
	}
	gross, err := decimal.NewFromString(r.Gross)
	if err != nil {
		return ledger.TradeOutcome{}, fmt.Errorf("%w: gross: %w", ErrPersistence, err)
	}
	fees, err := decimal.NewFromString(r.Fees)
	if err != nil {
		return ledger.TradeOutcome{}, fmt.Errorf("%w: fees: %w", ErrPersistence, err)
	}
	funding, err := decimal.NewFromString(r.Funding)
	if err != nil {
		return ledger.TradeOutcome{}, fmt.Errorf("%w: funding: %w", ErrPersistence, err)
	}
	net, err := decimal.NewFromString(r.Net)
	if err != nil {
		return ledger.TradeOutcome{}, fmt.Errorf("%w: net: %w", ErrPersistence, err)
	}
	return ledger.TradeOutcome{
		TradeID:              r.TradeID,
		OpenedAt:             time.Unix(0, r.OpenedAt).UTC(),
		ClosedAt:             time.Unix(0, r.ClosedAt).UTC(),
		SizeBase:             size,
		GrossQuotePnL:        gross,
		FeesQuote:            fees,
		FundingReceivedQuote: funding,
		NetQuotePnL:          net,
		ROIPct:               r.ROIPct,
		BasisAtOpenBps:       r.BasisOpen,
		BasisAtCloseBps:      r.BasisClose,
		FundingAPRAtOpenPct:  r.APROpen,
		Win:                  r.Win,
		CloseReason:          ledger.CloseReason(r.Reason),
	}, nil
}
