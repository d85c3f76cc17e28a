package state

import (
	"context"
	"strconv"
	"time"
)

// Operational keys that must survive restarts.
const (
	keyPausePendingAck = "op:pause_pending_ack"
	keyPauseCause      = "op:pause_cause"
	keyLastTradeAt     = "op:last_trade_at"
	keyRebalanceStamps = "op:rebalance_stamps"
)

// Ops wraps the kv store with the bot's operational flags.
type Ops struct {
	store Store
}

func NewOps(store Store) *Ops {
	return &Ops{store: store}
}

// MarkPaused records a pause that requires operator acknowledgement,
// so a restart comes back paused rather than trading.
func (o *Ops) MarkPaused(ctx context.Context, cause string) error {
	if err := o.store.Set(ctx, keyPausePendingAck, "1"); err != nil {
		return err
	}
	return o.store.Set(ctx, keyPauseCause, cause)
}

func (o *Ops) ClearPaused(ctx context.Context) error {
	if err := o.store.Delete(ctx, keyPausePendingAck); err != nil {
		return err
	}
	return o.store.Delete(ctx, keyPauseCause)
}

// PendingPause reports whether an unacknowledged pause is on record.
func (o *Ops) PendingPause(ctx context.Context) (bool, string, error) {
	v, ok, err := o.store.Get(ctx, keyPausePendingAck)
	if err != nil {
		return false, "", err
	}
	if !ok || v != "1" {
		return false, "", nil
	}
	cause, _, err := o.store.Get(ctx, keyPauseCause)
	if err != nil {
		return false, "", err
	}
	return true, cause, nil
}

func (o *Ops) SetLastTradeAt(ctx context.Context, ts time.Time) error {
	return o.store.Set(ctx, keyLastTradeAt, strconv.FormatInt(ts.UnixNano(), 10))
}

func (o *Ops) LastTradeAt(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := o.store.Get(ctx, keyLastTradeAt)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// SaveRebalanceStamps persists the rolling-hour rebalance timestamps
// so the rate limit holds across restarts.
func (o *Ops) SaveRebalanceStamps(ctx context.Context, stamps []time.Time) error {
	out := ""
	for i, ts := range stamps {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(ts.UnixNano(), 10)
	}
	return o.store.Set(ctx, keyRebalanceStamps, out)
}

func (o *Ops) RebalanceStamps(ctx context.Context) ([]time.Time, error) {
	v, ok, err := o.store.Get(ctx, keyRebalanceStamps)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	var out []time.Time
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			nanos, err := strconv.ParseInt(v[start:i], 10, 64)
			if err == nil {
				out = append(out, time.Unix(0, nanos).UTC())
			}
			start = i + 1
		}
	}
	return out, nil
}
