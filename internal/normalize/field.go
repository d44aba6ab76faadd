package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldKind int

const (
	FieldAbsent FieldKind = iota
	FieldNull
	FieldString
	FieldNumber
	FieldBool
	FieldOther
)

func (k FieldKind) String() string {
	switch k {
	case FieldAbsent:
		return "absent"
	case FieldNull:
		return "null"
	case FieldString:
		return "string"
	case FieldNumber:
		return "number"
	case FieldBool:
		return "bool"
	default:
		return "other"
	}
}

// Field holds one raw JSON value along with which shape it arrived in. A key missing from the
// record leaves the zero value, FieldAbsent.
type Field struct {
	Kind FieldKind
	Str  string
	Num  json.Number
	Bool bool
	Raw  json.RawMessage
}

func (f *Field) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty field value")
	}
	switch data[0] {
	case 'n':
		*f = Field{Kind: FieldNull}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Field{Kind: FieldString, Str: s}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*f = Field{Kind: FieldBool, Bool: b}
	case '{', '[':
		*f = Field{Kind: FieldOther, Raw: append(json.RawMessage(nil), data...)}
	default:
		*f = Field{Kind: FieldNumber, Num: json.Number(string(data))}
	}
	return nil
}

// Present reports whether the field carries a value other than null.
func (f Field) Present() bool {
	return f.Kind != FieldAbsent && f.Kind != FieldNull
}

// Text renders string and number fields as trimmed text.
func (f Field) Text() (string, bool) {
	switch f.Kind {
	case FieldString:
		s := strings.TrimSpace(f.Str)
		return s, s != ""
	case FieldNumber:
		return f.Num.String(), true
	default:
		return "", false
	}
}

// Decimal parses numbers and numeric strings.
func (f Field) Decimal() (decimal.Decimal, bool) {
	var text string
	switch f.Kind {
	case FieldNumber:
		text = f.Num.String()
	case FieldString:
		text = strings.TrimSpace(f.Str)
	default:
		return decimal.Decimal{}, false
	}
	if text == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Int parses integral numbers and numeric strings.
func (f Field) Int() (int, bool) {
	d, ok := f.Decimal()
	if !ok || !d.IsInteger() {
		return 0, false
	}
	n, err := strconv.Atoi(d.String())
	if err != nil {
		return 0, false
	}
	return n, true
}

// Boolean accepts JSON booleans, 0/1 and the usual yes/no spellings.
func (f Field) Boolean() (bool, bool) {
	switch f.Kind {
	case FieldBool:
		return f.Bool, true
	case FieldNumber:
		switch f.Num.String() {
		case "0":
			return false, true
		case "1":
			return true, true
		}
	case FieldString:
		switch strings.ToLower(strings.TrimSpace(f.Str)) {
		case "true", "t", "yes", "y", "1":
			return true, true
		case "false", "f", "no", "n", "0":
			return false, true
		}
	}
	return false, false
}
