package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Flow string

const (
	FlowImport Flow = "M"
	FlowExport Flow = "X"
)

func (f Flow) Description() string {
	switch f {
	case FlowImport:
		return "Import"
	case FlowExport:
		return "Export"
	default:
		return string(f)
	}
}

type Credential string

const (
	CredentialPrimary   Credential = "primary"
	CredentialSecondary Credential = "secondary"
)

// Period is a calendar month, rendered as YYYYMM on the wire and in storage.
type Period struct {
	Year  int
	Month int
}

func NewPeriod(year, month int) (Period, error) {
	if year < 1900 || year > 2100 {
		return Period{}, fmt.Errorf("period year %d out of range", year)
	}
	if month < 1 || month > 12 {
		return Period{}, fmt.Errorf("period month %d out of range", month)
	}
	return Period{Year: year, Month: month}, nil
}

// ParsePeriod accepts YYYYMM and YYYY-MM.
func ParsePeriod(value string) (Period, error) {
	value = strings.TrimSpace(value)
	var yearPart, monthPart string
	switch {
	case len(value) == 6 && isDigits(value):
		yearPart, monthPart = value[:4], value[4:]
	case len(value) == 7 && value[4] == '-' && isDigits(value[:4]) && isDigits(value[5:]):
		yearPart, monthPart = value[:4], value[5:]
	default:
		return Period{}, fmt.Errorf("invalid period %q (expected YYYYMM or YYYY-MM)", value)
	}
	year, _ := strconv.Atoi(yearPart)
	month, _ := strconv.Atoi(monthPart)
	return NewPeriod(year, month)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d%02d", p.Year, p.Month)
}

func (p Period) Next() Period {
	if p.Month == 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

func (p Period) Before(other Period) bool {
	return p.Year < other.Year || (p.Year == other.Year && p.Month < other.Month)
}

func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

type RefinementKind string

const (
	RefineNone      RefinementKind = ""
	RefineCommodity RefinementKind = "cmd"
	RefinePartner   RefinementKind = "partner"
)

// Refinement narrows a fetch unit by one extra dimension after a truncated response.
type Refinement struct {
	Kind RefinementKind
	Code string
}

func (r Refinement) IsZero() bool {
	return r.Kind == RefineNone
}

type FetchUnit struct {
	Reporter   string
	Period     Period
	Flow       Flow
	Refinement Refinement
	Depth      int
}

// Key identifies a unit in logs, cache paths and --resume-after, e.g. DE:202201:M or
// DE:202201:M:cmd=01.
func (u FetchUnit) Key() string {
	key := fmt.Sprintf("%s:%s:%s", u.Reporter, u.Period, u.Flow)
	if !u.Refinement.IsZero() {
		key += fmt.Sprintf(":%s=%s", u.Refinement.Kind, u.Refinement.Code)
	}
	return key
}

type UnitState string

const (
	UnitPlanned    UnitState = "PLANNED"
	UnitFetching   UnitState = "FETCHING"
	UnitCacheHit   UnitState = "CACHE_HIT"
	UnitFetched    UnitState = "FETCHED"
	UnitValidating UnitState = "VALIDATING"
	UnitPersisting UnitState = "PERSISTING"
	UnitDone       UnitState = "DONE"
	UnitFailed     UnitState = "FAILED"
)

// Dimension is a code/description pair for reporters, partners, commodities, flows and units.
type Dimension struct {
	Code        string
	Description string
}

// CanonicalRow is one validated tariffline observation ready for persistence.
type CanonicalRow struct {
	Reporter     Dimension
	Partner      Dimension
	Commodity    Dimension
	Flow         Dimension
	QuantityUnit *Dimension
	Period       Period

	NetWeight   decimal.NullDecimal
	GrossWeight decimal.NullDecimal
	Quantity    decimal.NullDecimal
	AltQuantity decimal.NullDecimal
	TradeValue  decimal.Decimal
	CIFValue    decimal.NullDecimal
	FOBValue    decimal.NullDecimal

	Flag               *int
	IsReporterEstimate *bool
}

// NaturalKey is the uniqueness tuple enforced by the fact table.
func (r CanonicalRow) NaturalKey() string {
	return strings.Join([]string{r.Reporter.Code, r.Partner.Code, r.Commodity.Code, r.Flow.Code, r.Period.String()}, "|")
}

type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
)

type ImportRun struct {
	ID            int64
	RunID         uuid.UUID
	StartPeriod   Period
	EndPeriod     Period
	ReporterScope []string

	Processed   int
	Inserted    int
	Skipped     int
	Rejected    int
	UnitsTotal  int
	UnitsDone   int
	UnitsFailed int
	APICalls    int
	CacheHits   int

	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

func (r *ImportRun) Completed() bool {
	return r.CompletedAt != nil
}

func (r *ImportRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

func (r *ImportRun) Summary() string {
	return fmt.Sprintf("status=%s units=%d done=%d failed=%d processed=%d inserted=%d skipped=%d rejected=%d api_calls=%d cache_hits=%d",
		r.Status, r.UnitsTotal, r.UnitsDone, r.UnitsFailed, r.Processed, r.Inserted, r.Skipped, r.Rejected, r.APICalls, r.CacheHits,
	)
}

type UnitFailure struct {
	RunID    uuid.UUID
	UnitKey  string
	Stage    string
	Message  string
	FailedAt time.Time
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
