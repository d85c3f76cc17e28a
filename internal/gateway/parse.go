package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Venue payloads vary in shape and key names across sources; the
// parsers below accept the common variants and give up quietly on
// anything else.

func ParseSpotTick(payload any) (SpotTick, bool) {
	data, ok := unwrap(payload, "data", "spot", "price")
	if !ok {
		return SpotTick{}, false
	}
	price, ok := floatFromMap(data, "price", "px", "mid", "spotPrice")
	if !ok || price <= 0 {
		return SpotTick{}, false
	}
	tick := SpotTick{Price: price}
	if conf, ok := floatFromMap(data, "conf", "confidence", "confidenceBps"); ok {
		tick.ConfidenceBps = conf
	}
	if ts, ok := timeFromMap(data, "time", "timestamp", "publishTime", "ts"); ok {
		tick.At = ts
	}
	return tick, true
}

func ParsePerpTick(payload any) (PerpTick, bool) {
	data, ok := unwrap(payload, "data", "perp", "market")
	if !ok {
		return PerpTick{}, false
	}
	mark, ok := floatFromMap(data, "mark", "markPx", "markPrice")
	if !ok || mark <= 0 {
		return PerpTick{}, false
	}
	tick := PerpTick{Mark: mark}
	if index, ok := floatFromMap(data, "index", "indexPx", "oraclePrice", "oraclePx"); ok {
		tick.Index = index
	}
	if rate, ok := floatFromMap(data, "funding", "fundingRate", "hourlyFundingRate"); ok {
		tick.FundingRateHourly = rate
	}
	if next, ok := timeFromMap(data, "nextFunding", "nextFundingTime", "nextFundingTs"); ok {
		tick.NextFunding = next
	}
	if ts, ok := timeFromMap(data, "time", "timestamp", "ts"); ok {
		tick.At = ts
	}
	return tick, true
}

func unwrap(payload any, keys ...string) (map[string]any, bool) {
	data, ok := payload.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, key := range keys {
		if nested, ok := data[key].(map[string]any); ok {
			return unwrap(nested, keys...)
		}
	}
	return data, true
}

func floatFromMap(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func floatFromAny(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func timeFromMap(m map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if ts, ok := timeFromAny(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func timeFromAny(v any) (time.Time, bool) {
	f, ok := floatFromAny(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	ts := int64(f)
	switch {
	case ts > 1e15:
		return time.Unix(0, ts).UTC(), true
	case ts > 1e12:
		return time.UnixMilli(ts).UTC(), true
	default:
		return time.Unix(ts, 0).UTC(), true
	}
}
