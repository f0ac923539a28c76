package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces {{token}} placeholders with values from metadata.
// Tokens without a value are left in place.
func Render(pattern string, metadata map[string]any) string {
	return render(pattern, metadata, formatValue)
}

// RenderHTML is Render for HTML patterns: substituted values are escaped, the
// pattern's own markup is not.
func RenderHTML(pattern string, metadata map[string]any) string {
	return render(pattern, metadata, func(v any) string {
		return html.EscapeString(formatValue(v))
	})
}

func render(pattern string, metadata map[string]any, format func(any) string) string {
	if len(metadata) == 0 || pattern == "" {
		return pattern
	}

	return tokenPattern.ReplaceAllStringFunc(pattern, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		value, ok := metadata[name]
		if !ok || value == nil {
			return match
		}
		return format(value)
	})
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case decimal.Decimal:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// DecodeMetadata parses stored metadata keeping numbers as json.Number so
// amounts survive without float rounding. Invalid input yields nil.
func DecodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}
