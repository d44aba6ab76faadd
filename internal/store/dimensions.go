package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"tradeingest/internal/model"
)

// Table describes a dimension table keyed by a unique natural code.
type Table struct {
	Name        string
	CodeColumn  string
	NameColumn  string
	LevelColumn string
}

var (
	Reporters        = Table{Name: "reporters", CodeColumn: "reporter_code", NameColumn: "reporter_name"}
	Partners         = Table{Name: "partners", CodeColumn: "partner_code", NameColumn: "partner_name"}
	Commodities      = Table{Name: "commodities", CodeColumn: "commodity_code", NameColumn: "commodity_description", LevelColumn: "hs_level"}
	Flows            = Table{Name: "flows", CodeColumn: "flow_code", NameColumn: "flow_desc"}
	MeasurementUnits = Table{Name: "measurement_units", CodeColumn: "unit_code", NameColumn: "unit_desc"}
)

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

func Question(int) string { return "?" }

func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

func (t Table) SelectStatement(ph Placeholder) string {
	return fmt.Sprintf("SELECT id, %s FROM %s WHERE %s = %s", t.NameColumn, t.Name, t.CodeColumn, ph(1))
}

func (t Table) InsertStatement(ph Placeholder) string {
	columns := []string{t.CodeColumn, t.NameColumn}
	if t.LevelColumn != "" {
		columns = append(columns, t.LevelColumn)
	}
	params := make([]string, len(columns))
	for i := range columns {
		params[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		t.Name, strings.Join(columns, ", "), strings.Join(params, ", "), t.CodeColumn)
}

func (t Table) UpdateStatement(ph Placeholder) string {
	return fmt.Sprintf("UPDATE %s SET %s = %s, updated_at = CURRENT_TIMESTAMP WHERE id = %s", t.Name, t.NameColumn, ph(1), ph(2))
}

// InsertArgs matches the column order of InsertStatement. An empty description falls back to the
// code because every name column is NOT NULL.
func (t Table) InsertArgs(v DimensionValue) []any {
	name := v.Description
	if name == "" {
		name = v.Code
	}
	args := []any{v.Code, name}
	if t.LevelColumn != "" {
		args = append(args, hsLevel(v.Code))
	}
	return args
}

func hsLevel(code string) any {
	for _, r := range code {
		if r < '0' || r > '9' {
			return nil
		}
	}
	return len(code)
}

type Ref struct {
	Table string
	Code  string
}

type DimensionValue struct {
	Table       Table
	Code        string
	Description string
}

func (v DimensionValue) Ref() Ref {
	return Ref{Table: v.Table.Name, Code: v.Code}
}

type CachedDimension struct {
	ID          int64
	Description string
}

// CollectDimensions lists the distinct dimension codes referenced by rows in first-seen order.
func CollectDimensions(rows []model.CanonicalRow) []DimensionValue {
	var out []DimensionValue
	index := make(map[Ref]int)
	add := func(t Table, d model.Dimension) {
		v := DimensionValue{Table: t, Code: d.Code, Description: d.Description}
		if i, ok := index[v.Ref()]; ok {
			if out[i].Description == "" {
				out[i].Description = d.Description
			}
			return
		}
		index[v.Ref()] = len(out)
		out = append(out, v)
	}
	for _, row := range rows {
		add(Reporters, row.Reporter)
		add(Partners, row.Partner)
		add(Commodities, row.Commodity)
		add(Flows, row.Flow)
		if row.QuantityUnit != nil {
			add(MeasurementUnits, *row.QuantityUnit)
		}
	}
	return out
}

// DimensionCache remembers resolved dimension ids across units. Only ids from committed
// transactions are merged in.
type DimensionCache struct {
	mu      sync.RWMutex
	entries map[Ref]CachedDimension
}

func NewDimensionCache() *DimensionCache {
	return &DimensionCache{entries: make(map[Ref]CachedDimension)}
}

func (c *DimensionCache) Lookup(ref Ref) (CachedDimension, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[ref]
	return entry, ok
}

func (c *DimensionCache) Merge(staged map[Ref]CachedDimension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, entry := range staged {
		c.entries[ref] = entry
	}
}

func (c *DimensionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// DimensionTx is the slice of a backend transaction that dimension resolution needs.
type DimensionTx interface {
	QueryDimension(ctx context.Context, t Table, code string) (CachedDimension, bool, error)
	InsertDimension(ctx context.Context, v DimensionValue) error
	UpdateDimension(ctx context.Context, t Table, id int64, description string) error
}

// ResolveDimensions get-or-creates every value inside tx and returns the ids it staged. A known
// code is only rewritten when a non-empty description differs from the stored one.
func ResolveDimensions(ctx context.Context, tx DimensionTx, cache *DimensionCache, values []DimensionValue) (map[Ref]CachedDimension, error) {
	staged := make(map[Ref]CachedDimension, len(values))
	for _, v := range values {
		ref := v.Ref()
		if cached, ok := cache.Lookup(ref); ok && !descriptionChanged(cached.Description, v.Description) {
			staged[ref] = cached
			continue
		}

		current, found, err := tx.QueryDimension(ctx, v.Table, v.Code)
		if err != nil {
			return nil, fmt.Errorf("lookup %s %q: %w", v.Table.Name, v.Code, err)
		}
		if !found {
			if err := tx.InsertDimension(ctx, v); err != nil {
				return nil, fmt.Errorf("insert %s %q: %w", v.Table.Name, v.Code, err)
			}
			current, found, err = tx.QueryDimension(ctx, v.Table, v.Code)
			if err != nil {
				return nil, fmt.Errorf("lookup %s %q: %w", v.Table.Name, v.Code, err)
			}
			if !found {
				return nil, fmt.Errorf("%s %q missing after insert", v.Table.Name, v.Code)
			}
		} else if descriptionChanged(current.Description, v.Description) {
			if err := tx.UpdateDimension(ctx, v.Table, current.ID, v.Description); err != nil {
				return nil, fmt.Errorf("update %s %q: %w", v.Table.Name, v.Code, err)
			}
			current.Description = v.Description
		}
		staged[ref] = current
	}
	return staged, nil
}

func descriptionChanged(current, incoming string) bool {
	return incoming != "" && incoming != current
}

var factColumns = []string{
	"reporter_id", "partner_id", "commodity_id", "flow_id", "unit_id",
	"period", "year", "month",
	"net_weight", "gross_weight", "quantity", "alt_qty",
	"trade_value", "cif_value", "fob_value",
	"flag", "is_reporter_estimate", "source_file",
}

// FactInsertStatement inserts one fact row and does nothing when its natural key exists.
func FactInsertStatement(ph Placeholder) string {
	params := make([]string, len(factColumns))
	for i := range factColumns {
		params[i] = ph(i + 1)
	}
	return fmt.Sprintf(`INSERT INTO tariffline_data (%s) VALUES (%s)
		ON CONFLICT (reporter_id, partner_id, commodity_id, flow_id, period) DO NOTHING`,
		strings.Join(factColumns, ", "), strings.Join(params, ", "))
}

// FactArgs matches the column order of FactInsertStatement. Decimals are passed as text so both
// drivers bind them without float rounding.
func FactArgs(row model.CanonicalRow, ids map[Ref]CachedDimension, source string) ([]any, error) {
	id := func(t Table, code string) (int64, error) {
		entry, ok := ids[Ref{Table: t.Name, Code: code}]
		if !ok {
			return 0, fmt.Errorf("%s %q was not resolved", t.Name, code)
		}
		return entry.ID, nil
	}

	reporterID, err := id(Reporters, row.Reporter.Code)
	if err != nil {
		return nil, err
	}
	partnerID, err := id(Partners, row.Partner.Code)
	if err != nil {
		return nil, err
	}
	commodityID, err := id(Commodities, row.Commodity.Code)
	if err != nil {
		return nil, err
	}
	flowID, err := id(Flows, row.Flow.Code)
	if err != nil {
		return nil, err
	}
	var unitID any
	if row.QuantityUnit != nil {
		v, err := id(MeasurementUnits, row.QuantityUnit.Code)
		if err != nil {
			return nil, err
		}
		unitID = v
	}

	var flag, estimate any
	if row.Flag != nil {
		flag = *row.Flag
	}
	if row.IsReporterEstimate != nil {
		estimate = *row.IsReporterEstimate
	}
	var sourceFile any
	if source != "" {
		sourceFile = source
	}

	return []any{
		reporterID, partnerID, commodityID, flowID, unitID,
		row.Period.String(), row.Period.Year, row.Period.Month,
		nullDecimal(row.NetWeight), nullDecimal(row.GrossWeight), nullDecimal(row.Quantity), nullDecimal(row.AltQuantity),
		row.TradeValue.StringFixed(2), nullDecimal(row.CIFValue), nullDecimal(row.FOBValue),
		flag, estimate, sourceFile,
	}, nil
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(2)
}
