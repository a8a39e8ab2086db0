package sync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar-day form dates are written in
const DateLayout = "2006-01-02"

// NormalizedRecord maps remote field names to string values
type NormalizedRecord map[string]string

// Normalize converts a header row and a value row into the fields the remote
// store receives. Positions are paired up to the shorter of the two slices.
// Headers missing from fieldMap and empty values are dropped.
func Normalize(headers []string, row []interface{}, fieldMap map[string]string) NormalizedRecord {
	rec := make(NormalizedRecord)

	n := min(len(headers), len(row))
	for i := 0; i < n; i++ {
		field, ok := fieldMap[headers[i]]
		if !ok || field == "" {
			continue
		}
		value := CellText(row[i])
		if value == "" {
			continue
		}
		rec[field] = value
	}
	return rec
}

// CellText coerces one cell to its string form: dates become YYYY-MM-DD,
// numbers their shortest decimal string, everything else is trimmed.
func CellText(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.UTC().Format(DateLayout)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// RowData builds the header to value map sent with a dispatch. Values keep
// their native type except dates, which use the same calendar-day form as
// Normalize. Blank headers and empty cells are left out.
func RowData(headers []string, row []interface{}) map[string]interface{} {
	data := make(map[string]interface{})

	n := min(len(headers), len(row))
	for i := 0; i < n; i++ {
		header := strings.TrimSpace(headers[i])
		if header == "" {
			continue
		}
		switch val := row[i].(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
			data[header] = val
		case time.Time:
			data[header] = val.UTC().Format(DateLayout)
		default:
			data[header] = val
		}
	}
	return data
}

// cellAt returns the cell at index or nil for short rows
func cellAt(row []interface{}, index int) interface{} {
	if index < 0 || index >= len(row) {
		return nil
	}
	return row[index]
}
