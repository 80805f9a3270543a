package httpapi

import (
	"net/http"
	"strings"
)

type pricesResponse struct {
	Data   map[string]map[string]any `json:"data"`
	Source string                    `json:"source"`
}

// handlePrices serves GET /prices?ids=a,b&vs=usd from the cache. Missing or
// expired entries are left out of data.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	vs := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("vs")))
	if vs == "" {
		vs = s.opts.QuoteCurrency
	}

	out := pricesResponse{Data: make(map[string]map[string]any, len(ids)), Source: "cache"}
	for _, id := range ids {
		entry, ok, err := s.prices.Get(r.Context(), id, vs)
		if err != nil {
			s.logger.Error().Err(err).Str("asset", id).Msg("cache read failed")
			writeError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
		if !ok {
			continue
		}
		out.Data[id] = map[string]any{
			vs:   entry.Price,
			"ts": entry.ObservedAt.UnixMilli(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
