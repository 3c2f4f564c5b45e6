package appmon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// ChartResponse is the JSON body returned by the chart endpoint
type ChartResponse struct {
	Instance    string  `json:"instance"`
	Event       string  `json:"event"`
	Granularity string  `json:"granularity"`
	Offset      int     `json:"offset"`
	Points      []Point `json:"points"`
}

// ChartHandler serves GET /chart/:instance/:event?granularity=&since=&offset=.
// since accepts RFC 3339 or unix milliseconds; offset is in minutes.
func ChartHandler(domain string, store Store, logger *zap.Logger) httprouter.Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		q, err := parseChartQuery(domain, req, ps)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		points, err := Chart(req.Context(), store, q)
		if err != nil {
			if errors.Is(err, ErrInvalidQuery) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("Failed to load chart data",
				zap.String("instance", q.Key.Instance), zap.String("event", q.Key.Event), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = []Point{}
		}
		writeJSON(w, logger, ChartResponse{
			Instance:    q.Key.Instance,
			Event:       q.Key.Event,
			Granularity: q.Granularity.String(),
			Offset:      q.ZoneOffsetMinutes,
			Points:      points,
		})
	}
}

func parseChartQuery(domain string, req *http.Request, ps httprouter.Params) (ChartQuery, error) {
	values := req.URL.Query()
	g, err := ParseGranularity(values.Get("granularity"))
	if err != nil {
		return ChartQuery{}, err
	}
	q := ChartQuery{
		Key:         Key{Domain: domain, Instance: ps.ByName("instance"), Event: ps.ByName("event")},
		Granularity: g,
	}
	if s := values.Get("since"); s != "" {
		if q.Since, err = parseInstant(s); err != nil {
			return ChartQuery{}, err
		}
	}
	if s := values.Get("offset"); s != "" {
		if q.ZoneOffsetMinutes, err = strconv.Atoi(s); err != nil {
			return ChartQuery{}, fmt.Errorf("%w: offset %q is not an integer", ErrInvalidQuery, s)
		}
	}
	return q, q.Validate()
}

func parseInstant(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: since %q is neither RFC 3339 nor unix milliseconds", ErrInvalidQuery, s)
	}
	return t.UTC(), nil
}

// RefreshHandler serves GET /refresh/:instance with a full snapshot of the
// instance's readers.
func RefreshHandler(lookup func(instance string) *ExporterManager, logger *zap.Logger) httprouter.Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		m := lookup(ps.ByName("instance"))
		if m == nil {
			http.NotFound(w, req)
			return
		}
		samples := m.Refresh(req.Context())
		if samples == nil {
			samples = []*Sample{}
		}
		writeJSON(w, logger, samples)
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}
