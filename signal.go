package appmon

import (
	"fmt"
	"strings"
)

// Kind tags the capability shape of a Reader
type Kind int

const (
	KindMetric Kind = iota
	KindStatus
	KindEvent
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindMetric:
		return "metric"
	case KindStatus:
		return "status"
	case KindEvent:
		return "event"
	case KindLog:
		return "log"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configured kind name to a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "metric", "":
		return KindMetric, nil
	case "status":
		return KindStatus, nil
	case "event":
		return KindEvent, nil
	case "log":
		return KindLog, nil
	}
	return 0, fmt.Errorf("%w: unknown signal kind %q", ErrConfiguration, s)
}

// Signal describes one monitored signal. It is immutable once constructed.
type Signal struct {
	name       string
	title      string
	target     string
	kind       Kind
	leading    bool
	parameters map[string]any
}

// NewSignal creates a signal descriptor. The parameter map is copied.
func NewSignal(kind Kind, name, title, target string, parameters map[string]any, leading bool) Signal {
	params := make(map[string]any, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}
	if title == "" {
		title = name
	}
	return Signal{
		name:       name,
		title:      title,
		target:     target,
		kind:       kind,
		leading:    leading,
		parameters: params,
	}
}

func (s Signal) Name() string   { return s.name }
func (s Signal) Title() string  { return s.title }
func (s Signal) Target() string { return s.target }
func (s Signal) Kind() Kind     { return s.kind }

// Leading reports whether this signal is the representative series of a
// composite reader.
func (s Signal) Leading() bool { return s.leading }

// Parameters returns a copy of the free-form parameters
func (s Signal) Parameters() map[string]any {
	params := make(map[string]any, len(s.parameters))
	for k, v := range s.parameters {
		params[k] = v
	}
	return params
}

// Param returns a raw parameter value
func (s Signal) Param(key string) (any, bool) {
	v, ok := s.parameters[key]
	return v, ok
}

// StringParam returns a parameter rendered as a string. Empty values count as absent.
func (s Signal) StringParam(key string) (string, bool) {
	v, ok := s.parameters[key]
	if !ok || v == nil {
		return "", false
	}
	str := strings.TrimSpace(fmt.Sprint(v))
	return str, str != ""
}

// RequireString returns a mandatory string parameter or an ErrConfiguration.
func (s Signal) RequireString(key string) (string, error) {
	v, ok := s.StringParam(key)
	if !ok {
		return "", fmt.Errorf("%w: signal %q is missing required parameter %q", ErrConfiguration, s.name, key)
	}
	return v, nil
}

// ListParam returns a parameter given either as a list or as a comma separated string
func (s Signal) ListParam(key string) []string {
	v, ok := s.parameters[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
	default:
		out = strings.Split(fmt.Sprint(t), ",")
	}
	result := out[:0]
	for _, item := range out {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func (s Signal) String() string {
	return fmt.Sprintf("%s:%s(%s)", s.kind, s.name, s.target)
}
