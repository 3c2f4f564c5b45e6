package appmon

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sample is the value emitted by a Reader on one poll
type Sample struct {
	Instance string         `json:"-"`
	Kind     Kind           `json:"-"`
	Name     string         `json:"name"`
	Title    string         `json:"title"`
	Value    string         `json:"value"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Message frames a sample for dashboard clients as "instance:kind:name:" + JSON.
func (s *Sample) Message() (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal sample %q: %w", s.Name, err)
	}
	return s.Instance + ":" + s.Kind.String() + ":" + s.Name + ":" + string(payload), nil
}

// formatValue renders a "{field}/{other}" style template against data.
// An empty template renders the named fallback field.
func formatValue(format, fallback string, data map[string]any) string {
	if format == "" {
		if v, ok := data[fallback]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(format, '{')
		if open < 0 {
			b.WriteString(format)
			break
		}
		end := strings.IndexByte(format[open:], '}')
		if end < 0 {
			b.WriteString(format)
			break
		}
		b.WriteString(format[:open])
		key := format[open+1 : open+end]
		if v, ok := data[key]; ok {
			b.WriteString(fmt.Sprint(v))
		}
		format = format[open+end+1:]
	}
	return b.String()
}

// toInt64 converts a numeric snapshot value
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// toFloat64 converts a snapshot value for remote write
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	i, ok := toInt64(v)
	return float64(i), ok
}

// sortedKeys returns map keys in a stable order
func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
