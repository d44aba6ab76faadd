package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRecord = `{
	"reporterCode": 276, "reporterISO": "DEU", "reporterDesc": "Germany",
	"partnerCode": 156, "partnerISO": "CHN",
	"cmdCode": "850440", "cmdDesc": "Static converters",
	"flowCode": "M",
	"period": "202201",
	"netWgt": 1234.567, "grossWgt": null, "qty": "10", "qtyUnitCode": 8, "qtyUnitAbbr": "kg",
	"altQty": -1, "primaryValue": 98765.4321, "cifvalue": "n/a", "fobvalue": 10.005,
	"flag": 0, "isReporterEstimate": false
}`

func payload(records ...string) []byte {
	out := `{"count":` + itoa(len(records)) + `,"data":[`
	for i, r := range records {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return []byte(out + `],"partnerAreas":[{"id":156,"text":"China"}],"flowCodes":[{"id":"M","text":"Import"}]}`)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestNormalize_ValidRecord(t *testing.T) {
	t.Parallel()

	result, err := Normalize(payload(validRecord))
	require.NoError(t, err)
	require.Empty(t, result.Rejected)
	require.Len(t, result.Accepted, 1)

	row := result.Accepted[0]
	assert.Equal(t, "DEU", row.Reporter.Code)
	assert.Equal(t, "Germany", row.Reporter.Description)
	assert.Equal(t, "CHN", row.Partner.Code)
	assert.Equal(t, "China", row.Partner.Description, "description from metadata arrays")
	assert.Equal(t, "850440", row.Commodity.Code)
	assert.Equal(t, "M", row.Flow.Code)
	assert.Equal(t, "Import", row.Flow.Description)
	assert.Equal(t, "202201", row.Period.String())

	assert.Equal(t, "98765.43", row.TradeValue.StringFixed(2))
	require.True(t, row.NetWeight.Valid)
	assert.Equal(t, "1234.57", row.NetWeight.Decimal.StringFixed(2))
	assert.False(t, row.GrossWeight.Valid, "null stays null")
	require.True(t, row.Quantity.Valid, "numeric strings are coerced")
	assert.Equal(t, "10", row.Quantity.Decimal.String())
	assert.False(t, row.AltQuantity.Valid, "negative becomes null")
	assert.False(t, row.CIFValue.Valid, "non-numeric becomes null")
	require.True(t, row.FOBValue.Valid)
	assert.Equal(t, "10.01", row.FOBValue.Decimal.StringFixed(2))

	require.NotNil(t, row.QuantityUnit)
	assert.Equal(t, "8", row.QuantityUnit.Code)
	assert.Equal(t, "kg", row.QuantityUnit.Description)
	require.NotNil(t, row.Flag)
	assert.Equal(t, 0, *row.Flag)
	require.NotNil(t, row.IsReporterEstimate)
	assert.False(t, *row.IsReporterEstimate)
}

func TestNormalize_FallsBackToM49(t *testing.T) {
	t.Parallel()

	result, err := Normalize(payload(`{"reporterCode":276,"partnerCode":0,"cmdCode":"TOTAL","flowCode":"m","period":202203,"primaryValue":5}`))
	require.NoError(t, err)
	require.Len(t, result.Accepted, 1)
	row := result.Accepted[0]
	assert.Equal(t, "276", row.Reporter.Code)
	assert.Equal(t, "0", row.Partner.Code)
	assert.Equal(t, "TOTAL", row.Commodity.Code)
	assert.Equal(t, "M", row.Flow.Code)
	assert.Nil(t, row.QuantityUnit)
	assert.Nil(t, row.Flag)
	assert.Nil(t, row.IsReporterEstimate)
}

func TestNormalize_KeepsNationalTariffLines(t *testing.T) {
	t.Parallel()

	result, err := Normalize(payload(
		`{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"0101210010","flowCode":"M","period":"202201","primaryValue":100}`,
		`{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"0101210090","flowCode":"M","period":"202201","primaryValue":900}`,
	))
	require.NoError(t, err)
	require.Empty(t, result.Rejected)
	require.Len(t, result.Accepted, 2, "sibling lines under one HS6 must not collapse")
	assert.Equal(t, "0101210010", result.Accepted[0].Commodity.Code)
	assert.Equal(t, "100.00", result.Accepted[0].TradeValue.StringFixed(2))
	assert.Equal(t, "0101210090", result.Accepted[1].Commodity.Code)
	assert.Equal(t, "900.00", result.Accepted[1].TradeValue.StringFixed(2))
}

func TestNormalize_Rejections(t *testing.T) {
	t.Parallel()

	base := `"reporterISO":"DEU","partnerISO":"CHN","flowCode":"M","period":"202201","primaryValue":1`
	tests := []struct {
		name   string
		record string
		reason Reason
		field  string
	}{
		{name: "missing reporter", record: `{"partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"202201","primaryValue":1}`, reason: ReasonMissingDimension, field: "reporterCode"},
		{name: "null partner", record: `{"reporterISO":"DEU","partnerCode":null,"cmdCode":"01","flowCode":"M","period":"202201","primaryValue":1}`, reason: ReasonMissingDimension, field: "partnerCode"},
		{name: "missing commodity", record: `{` + base + `}`, reason: ReasonMissingDimension, field: "cmdCode"},
		{name: "odd commodity", record: `{"cmdCode":"123",` + base + `}`, reason: ReasonMalformedDimension, field: "cmdCode"},
		{name: "overlong commodity", record: `{"cmdCode":"0101210010123",` + base + `}`, reason: ReasonMalformedDimension, field: "cmdCode"},
		{name: "alpha commodity", record: `{"cmdCode":"AG6",` + base + `}`, reason: ReasonMalformedDimension, field: "cmdCode"},
		{name: "bad reporter iso", record: `{"reporterISO":"de-x","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"202201","primaryValue":1}`, reason: ReasonMalformedDimension, field: "reporterISO"},
		{name: "bad m49", record: `{"reporterCode":"12345","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"202201","primaryValue":1}`, reason: ReasonMalformedDimension, field: "reporterCode"},
		{name: "missing flow", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","period":"202201","primaryValue":1}`, reason: ReasonMissingDimension, field: "flowCode"},
		{name: "bad flow", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"1","period":"202201","primaryValue":1}`, reason: ReasonMalformedDimension, field: "flowCode"},
		{name: "missing period", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"M","primaryValue":1}`, reason: ReasonMalformedPeriod, field: "period"},
		{name: "month 13", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"202213","primaryValue":1}`, reason: ReasonMalformedPeriod, field: "period"},
		{name: "year out of range", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"180001","primaryValue":1}`, reason: ReasonMalformedPeriod, field: "period"},
		{name: "annual period", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"2022","primaryValue":1}`, reason: ReasonMalformedPeriod, field: "period"},
		{name: "missing trade value", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"202201"}`, reason: ReasonTypeCoercion, field: "primaryValue"},
		{name: "text trade value", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"202201","primaryValue":"lots"}`, reason: ReasonTypeCoercion, field: "primaryValue"},
		{name: "negative trade value", record: `{"reporterISO":"DEU","partnerISO":"CHN","cmdCode":"01","flowCode":"M","period":"202201","primaryValue":-3}`, reason: ReasonTypeCoercion, field: "primaryValue"},
		{name: "not an object", record: `42`, reason: ReasonTypeCoercion, field: "record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result, err := Normalize(payload(tt.record))
			require.NoError(t, err)
			require.Empty(t, result.Accepted)
			require.Len(t, result.Rejected, 1)
			assert.Equal(t, tt.reason, result.Rejected[0].Reason)
			assert.Equal(t, tt.field, result.Rejected[0].Field)
			assert.JSONEq(t, tt.record, string(result.Rejected[0].Record))
		})
	}
}

func TestNormalize_RejectionDoesNotStopBatch(t *testing.T) {
	t.Parallel()

	bad := `{"reporterISO":"DEU","cmdCode":"01","flowCode":"M","period":"202201","primaryValue":1}`
	result, err := Normalize(payload(validRecord, bad, validRecord))
	require.NoError(t, err)
	assert.Len(t, result.Accepted, 2)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, result.Rejected[0].Index)
	assert.Contains(t, result.Rejected[0].Error(), "missing-dimension")
}

func TestNormalize_UndecodablePayload(t *testing.T) {
	t.Parallel()

	_, err := Normalize([]byte(`{"data":`))
	require.Error(t, err)

	result, err := Normalize([]byte(`{"count":0,"data":[]}`))
	require.NoError(t, err)
	assert.Empty(t, result.Accepted)
	assert.Empty(t, result.Rejected)
}

func TestField_Kinds(t *testing.T) {
	t.Parallel()

	var record struct {
		A Field `json:"a"`
		B Field `json:"b"`
		C Field `json:"c"`
		D Field `json:"d"`
		E Field `json:"e"`
		F Field `json:"f"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":null,"b":"x","c":1.5,"d":true,"e":[1]}`), &record))
	assert.Equal(t, FieldNull, record.A.Kind)
	assert.Equal(t, FieldString, record.B.Kind)
	assert.Equal(t, FieldNumber, record.C.Kind)
	assert.Equal(t, FieldBool, record.D.Kind)
	assert.Equal(t, FieldOther, record.E.Kind)
	assert.Equal(t, FieldAbsent, record.F.Kind)
	assert.False(t, record.A.Present())
	assert.False(t, record.F.Present())

	_, ok := record.C.Int()
	assert.False(t, ok, "fractional numbers are not ints")

	for input, want := range map[string]bool{`"yes"`: true, `"N"`: false, `1`: true, `0`: false} {
		var f Field
		require.NoError(t, json.Unmarshal([]byte(input), &f))
		got, ok := f.Boolean()
		require.True(t, ok, input)
		assert.Equal(t, want, got, input)
	}
}
