package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/basket/go-steward/internal/shared"
)

// SpendRecord accumulates the value approved on one calendar day. Amounts are
// in the smallest unit; asset keys are lower-case token addresses.
type SpendRecord struct {
	DayKey string
	Native *big.Int
	Assets map[string]*big.Int
}

func NewSpendRecord(dayKey string) *SpendRecord {
	return &SpendRecord{DayKey: dayKey, Native: new(big.Int), Assets: map[string]*big.Int{}}
}

func (r *SpendRecord) Clone() *SpendRecord {
	out := NewSpendRecord(r.DayKey)
	if r.Native != nil {
		out.Native.Set(r.Native)
	}
	for k, v := range r.Assets {
		out.Assets[k] = new(big.Int).Set(v)
	}
	return out
}

// AssetSpent returns the amount spent for asset, zero if none.
func (r *SpendRecord) AssetSpent(asset string) *big.Int {
	if v, ok := r.Assets[strings.ToLower(asset)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (r *SpendRecord) AddNative(v *big.Int) {
	if v == nil {
		return
	}
	if r.Native == nil {
		r.Native = new(big.Int)
	}
	r.Native.Add(r.Native, v)
}

func (r *SpendRecord) AddAsset(asset string, v *big.Int) {
	if v == nil {
		return
	}
	if r.Assets == nil {
		r.Assets = map[string]*big.Int{}
	}
	key := strings.ToLower(asset)
	cur, ok := r.Assets[key]
	if !ok {
		cur = new(big.Int)
		r.Assets[key] = cur
	}
	cur.Add(cur, v)
}

type spendRecordJSON struct {
	DayKey string            `json:"day_key"`
	Native string            `json:"native_spent"`
	Assets map[string]string `json:"per_asset_spent"`
}

// MarshalJSON writes amounts as decimal strings.
func (r *SpendRecord) MarshalJSON() ([]byte, error) {
	out := spendRecordJSON{DayKey: r.DayKey, Native: "0", Assets: encodeAssets(r.Assets)}
	if r.Native != nil {
		out.Native = r.Native.String()
	}
	return json.Marshal(out)
}

func (r *SpendRecord) UnmarshalJSON(data []byte) error {
	var in spendRecordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	native, err := parseAmount(in.Native)
	if err != nil {
		return fmt.Errorf("native_spent: %w", err)
	}
	assets, err := decodeAssets(in.Assets)
	if err != nil {
		return err
	}
	*r = SpendRecord{DayKey: in.DayKey, Native: native, Assets: assets}
	return nil
}

func encodeAssets(assets map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(assets))
	for k, v := range assets {
		out[k] = v.String()
	}
	return out
}

func decodeAssets(in map[string]string) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(in))
	for k, v := range in {
		n, err := parseAmount(v)
		if err != nil {
			return nil, fmt.Errorf("per_asset_spent[%s]: %w", k, err)
		}
		out[strings.ToLower(k)] = n
	}
	return out, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

// ReadSpend returns the record for dayKey, zeroed if nothing was spent that
// day. Earlier days are never carried forward.
func (s *Store) ReadSpend(ctx context.Context, dayKey string) (*SpendRecord, error) {
	var rec *SpendRecord
	err := retryOnBusy(ctx, busyRetries, func() error {
		var err error
		rec, err = readSpend(ctx, s.db.QueryRowContext, dayKey)
		return err
	})
	return rec, err
}

// UpdateSpend runs fn on the record for dayKey inside one IMMEDIATE
// transaction. The mutated record is written only if fn returns nil.
func (s *Store) UpdateSpend(ctx context.Context, dayKey string, fn func(rec *SpendRecord) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := readSpend(ctx, tx.QueryRowContext, dayKey)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		assets, err := json.Marshal(encodeAssets(rec.Assets))
		if err != nil {
			return fmt.Errorf("encode per-asset spend: %w", err)
		}
		native := "0"
		if rec.Native != nil {
			native = rec.Native.String()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO spend_ledger (day_key, native_spent, per_asset_json, updated_at_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(day_key) DO UPDATE SET
				native_spent = excluded.native_spent,
				per_asset_json = excluded.per_asset_json,
				updated_at_ms = excluded.updated_at_ms;
		`, dayKey, native, string(assets), toMillis(shared.Now(ctx))); err != nil {
			return fmt.Errorf("write spend record: %w", err)
		}
		return nil
	})
}

type queryRowFn func(ctx context.Context, query string, args ...any) *sql.Row

func readSpend(ctx context.Context, queryRow queryRowFn, dayKey string) (*SpendRecord, error) {
	var native, assetsJSON string
	err := queryRow(ctx, `SELECT native_spent, per_asset_json FROM spend_ledger WHERE day_key = ?;`, dayKey).
		Scan(&native, &assetsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSpendRecord(dayKey), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read spend record: %w", err)
	}
	nativeAmt, err := parseAmount(native)
	if err != nil {
		return nil, fmt.Errorf("spend record %s native: %w", dayKey, err)
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(assetsJSON), &raw); err != nil {
		return nil, fmt.Errorf("spend record %s assets: %w", dayKey, err)
	}
	assets, err := decodeAssets(raw)
	if err != nil {
		return nil, err
	}
	return &SpendRecord{DayKey: dayKey, Native: nativeAmt, Assets: assets}, nil
}

// DayKey formats t as a calendar day in loc (UTC when nil).
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}
