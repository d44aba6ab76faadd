package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"tradeingest/internal/model"
)

type Reason string

const (
	ReasonMissingDimension   Reason = "missing-dimension"
	ReasonMalformedDimension Reason = "malformed-dimension"
	ReasonMalformedPeriod    Reason = "malformed-period"
	ReasonTypeCoercion       Reason = "type-coercion-failure"
)

const (
	measureScale       = 2
	maxCommodityDigits = 12
)

var (
	isoCodePattern  = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,3}$`)
	m49CodePattern  = regexp.MustCompile(`^\d{1,4}$`)
	hsCodePattern   = regexp.MustCompile(`^\d+$`)
	flowCodePattern = regexp.MustCompile(`^[A-Z]{1,3}$`)
)

// RawRecord is one tariffline record as the provider sends it.
type RawRecord struct {
	ReporterCode       Field `json:"reporterCode"`
	ReporterISO        Field `json:"reporterISO"`
	ReporterDesc       Field `json:"reporterDesc"`
	PartnerCode        Field `json:"partnerCode"`
	PartnerISO         Field `json:"partnerISO"`
	PartnerDesc        Field `json:"partnerDesc"`
	CmdCode            Field `json:"cmdCode"`
	CmdDesc            Field `json:"cmdDesc"`
	FlowCode           Field `json:"flowCode"`
	FlowDesc           Field `json:"flowDesc"`
	Period             Field `json:"period"`
	NetWgt             Field `json:"netWgt"`
	GrossWgt           Field `json:"grossWgt"`
	Qty                Field `json:"qty"`
	QtyUnitCode        Field `json:"qtyUnitCode"`
	QtyUnitAbbr        Field `json:"qtyUnitAbbr"`
	QtyUnit            Field `json:"qtyUnit"`
	AltQty             Field `json:"altQty"`
	PrimaryValue       Field `json:"primaryValue"`
	CIFValue           Field `json:"cifvalue"`
	FOBValue           Field `json:"fobvalue"`
	Flag               Field `json:"flag"`
	IsReporterEstimate Field `json:"isReporterEstimate"`
}

// Rejection explains why one record was not accepted.
type Rejection struct {
	Index  int
	Record json.RawMessage
	Reason Reason
	Field  string
	Detail string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("record %d rejected (%s): %s: %s", r.Index, r.Reason, r.Field, r.Detail)
}

type Result struct {
	Accepted []model.CanonicalRow
	Rejected []Rejection
}

type metaEntry struct {
	ID   Field `json:"id"`
	Text Field `json:"text"`
}

type envelope struct {
	Data          []json.RawMessage `json:"data"`
	ReporterAreas []metaEntry       `json:"reporterAreas"`
	PartnerAreas  []metaEntry       `json:"partnerAreas"`
	CmdCodes      []metaEntry       `json:"cmdCodes"`
	FlowCodes     []metaEntry       `json:"flowCodes"`
}

type descriptions struct {
	reporters   map[string]string
	partners    map[string]string
	commodities map[string]string
	flows       map[string]string
}

// Normalize splits a provider payload into canonical rows and per-record rejections. It fails
// only when the payload itself cannot be decoded.
func Normalize(body []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, fmt.Errorf("normalize: decode payload: %w", err)
	}
	desc := descriptions{
		reporters:   indexMeta(env.ReporterAreas),
		partners:    indexMeta(env.PartnerAreas),
		commodities: indexMeta(env.CmdCodes),
		flows:       indexMeta(env.FlowCodes),
	}

	result := Result{Accepted: make([]model.CanonicalRow, 0, len(env.Data))}
	for i, raw := range env.Data {
		var record RawRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			result.Rejected = append(result.Rejected, Rejection{
				Index: i, Record: raw, Reason: ReasonTypeCoercion, Field: "record", Detail: err.Error(),
			})
			continue
		}
		row, rejection := normalizeRecord(record, desc)
		if rejection != nil {
			rejection.Index = i
			rejection.Record = raw
			result.Rejected = append(result.Rejected, *rejection)
			continue
		}
		result.Accepted = append(result.Accepted, row)
	}
	return result, nil
}

func normalizeRecord(record RawRecord, desc descriptions) (model.CanonicalRow, *Rejection) {
	var row model.CanonicalRow

	reporter, rej := countryCode("reporter", record.ReporterISO, record.ReporterCode)
	if rej != nil {
		return row, rej
	}
	partner, rej := countryCode("partner", record.PartnerISO, record.PartnerCode)
	if rej != nil {
		return row, rej
	}
	commodity, rej := commodityCode(record.CmdCode)
	if rej != nil {
		return row, rej
	}
	flow, rej := flowCode(record.FlowCode)
	if rej != nil {
		return row, rej
	}

	periodText, ok := record.Period.Text()
	if !ok {
		return row, reject(ReasonMalformedPeriod, "period", "period is %s", record.Period.Kind)
	}
	period, err := model.ParsePeriod(periodText)
	if err != nil {
		return row, reject(ReasonMalformedPeriod, "period", "%v", err)
	}

	tradeValue, ok := record.PrimaryValue.Decimal()
	if !ok || tradeValue.IsNegative() {
		return row, reject(ReasonTypeCoercion, "primaryValue", "trade value %s is not a non-negative number", describe(record.PrimaryValue))
	}

	row.Reporter = model.Dimension{Code: reporter, Description: firstText(record.ReporterDesc, lookup(desc.reporters, record.ReporterCode))}
	row.Partner = model.Dimension{Code: partner, Description: firstText(record.PartnerDesc, lookup(desc.partners, record.PartnerCode))}
	row.Commodity = model.Dimension{Code: commodity, Description: firstText(record.CmdDesc, lookup(desc.commodities, record.CmdCode))}
	row.Flow = model.Dimension{Code: flow, Description: firstText(record.FlowDesc, lookup(desc.flows, record.FlowCode))}
	if row.Flow.Description == "" {
		row.Flow.Description = model.Flow(flow).Description()
	}
	row.Period = period
	row.QuantityUnit = quantityUnit(record)

	row.TradeValue = tradeValue.Round(measureScale)
	row.NetWeight = measure(record.NetWgt)
	row.GrossWeight = measure(record.GrossWgt)
	row.Quantity = measure(record.Qty)
	row.AltQuantity = measure(record.AltQty)
	row.CIFValue = measure(record.CIFValue)
	row.FOBValue = measure(record.FOBValue)

	if flag, ok := record.Flag.Int(); ok {
		row.Flag = &flag
	}
	if estimate, ok := record.IsReporterEstimate.Boolean(); ok {
		row.IsReporterEstimate = &estimate
	}
	return row, nil
}

// countryCode prefers the ISO field and falls back to the numeric M49 code.
func countryCode(name string, iso, numeric Field) (string, *Rejection) {
	if text, ok := iso.Text(); ok {
		code := strings.ToUpper(text)
		if isoCodePattern.MatchString(code) {
			return code, nil
		}
		if !numeric.Present() {
			return "", reject(ReasonMalformedDimension, name+"ISO", "%q is not an ISO country code", text)
		}
	}
	text, ok := numeric.Text()
	if !ok {
		if numeric.Present() {
			return "", reject(ReasonMalformedDimension, name+"Code", "code is %s", numeric.Kind)
		}
		return "", reject(ReasonMissingDimension, name+"Code", "no %s code", name)
	}
	if !m49CodePattern.MatchString(text) {
		return "", reject(ReasonMalformedDimension, name+"Code", "%q is not an M49 code", text)
	}
	return text, nil
}

// commodityCode accepts TOTAL, an HS code of 2, 4 or 6 digits, or a national tariff line of up
// to 12 digits. Tariff lines keep their full code so sibling lines under one HS6 stay distinct.
func commodityCode(field Field) (string, *Rejection) {
	text, ok := field.Text()
	if !ok {
		if field.Present() {
			return "", reject(ReasonMalformedDimension, "cmdCode", "code is %s", field.Kind)
		}
		return "", reject(ReasonMissingDimension, "cmdCode", "no commodity code")
	}
	code := strings.ToUpper(text)
	if code == "TOTAL" {
		return code, nil
	}
	if !hsCodePattern.MatchString(code) {
		return "", reject(ReasonMalformedDimension, "cmdCode", "%q is not an HS code", text)
	}
	switch {
	case len(code) > 6 && len(code) <= maxCommodityDigits:
		return code, nil
	case len(code) == 2, len(code) == 4, len(code) == 6:
		return code, nil
	default:
		return "", reject(ReasonMalformedDimension, "cmdCode", "%q has %d digits", text, len(code))
	}
}

func flowCode(field Field) (string, *Rejection) {
	text, ok := field.Text()
	if !ok {
		if field.Present() {
			return "", reject(ReasonMalformedDimension, "flowCode", "code is %s", field.Kind)
		}
		return "", reject(ReasonMissingDimension, "flowCode", "no flow code")
	}
	code := strings.ToUpper(text)
	if !flowCodePattern.MatchString(code) {
		return "", reject(ReasonMalformedDimension, "flowCode", "%q is not a flow code", text)
	}
	return code, nil
}

// measure rounds a numeric field to two places. Missing, non-numeric and negative values are null.
func measure(field Field) decimal.NullDecimal {
	d, ok := field.Decimal()
	if !ok || d.IsNegative() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d.Round(measureScale))
}

func quantityUnit(record RawRecord) *model.Dimension {
	code, ok := record.QtyUnitCode.Int()
	if !ok || code < 0 {
		return nil
	}
	return &model.Dimension{
		Code:        fmt.Sprintf("%d", code),
		Description: firstText(record.QtyUnitAbbr, record.QtyUnit),
	}
}

func indexMeta(entries []metaEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		id, ok := entry.ID.Text()
		if !ok {
			continue
		}
		if text, ok := entry.Text.Text(); ok {
			out[id] = text
		}
	}
	return out
}

func lookup(index map[string]string, code Field) Field {
	id, ok := code.Text()
	if !ok {
		return Field{}
	}
	text, ok := index[id]
	if !ok {
		return Field{}
	}
	return Field{Kind: FieldString, Str: text}
}

func firstText(fields ...Field) string {
	for _, field := range fields {
		if text, ok := field.Text(); ok {
			return text
		}
	}
	return ""
}

func describe(field Field) string {
	if text, ok := field.Text(); ok {
		return fmt.Sprintf("%q", text)
	}
	return field.Kind.String()
}

func reject(reason Reason, field, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Field: field, Detail: fmt.Sprintf(format, args...)}
}
