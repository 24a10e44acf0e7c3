package api

import (
	"net/url"
	"strconv"
	"strings"

	"polysignal/internal/config"
	"polysignal/pkg/types"
)

// parseAnalysisConfig maps the recognized analysis query options onto an
// AnalysisConfig. Absent options keep the research defaults; malformed
// numbers are ignored rather than rejected, matching the advisory nature of
// these filters. An invalid contrarianMode falls back to vs_ofi.
func parseAnalysisConfig(q url.Values, defaults config.ResearchConfig) types.AnalysisConfig {
	cfg := types.AnalysisConfig{
		LookbackDays:  defaults.BackfillDays,
		Mode:          types.ParseContrarianMode(q.Get("contrarianMode")),
		OutcomeFilter: q.Get("outcomeFilter"),
	}

	if v, ok := qInt(q, "days"); ok {
		cfg.LookbackDays = v
	}
	if v, ok := qFloat(q, "minSize"); ok {
		cfg.MinSizeUSD = v
	}
	if v, ok := qInt(q, "windowMinutes"); ok {
		cfg.WindowMinutes = v
	}
	cfg.RequireAsymmetricBook = qBool(q, "requireAsymmetry")
	cfg.RequireNewWallet = qBool(q, "requireNewWallet")
	if v, ok := qFloat(q, "maxWalletAgeDays"); ok {
		cfg.MaxWalletAgeDays = v
	}
	if v, ok := qFloat(q, "maxSpreadBps"); ok {
		cfg.MaxSpreadBps = v
	}
	if v, ok := qFloat(q, "minDepthUsd"); ok {
		cfg.MinDepthUSD = v
	}
	cfg.Categories = splitCSV(q.Get("categories"))
	if v, ok := qFloat(q, "minPrice"); ok {
		cfg.MinPrice = v
	}
	if v, ok := qFloat(q, "maxPrice"); ok {
		cfg.MaxPrice = v
	}
	if v, ok := qFloat(q, "minZScore"); ok {
		cfg.MinZScore = v
	}
	if v, ok := qFloat(q, "maxZScore"); ok {
		cfg.MaxZScore = v
	}
	if v, ok := qFloat(q, "minMinutes"); ok {
		cfg.MinMinutesToClose = v
	}
	cfg.OFITrendDisagree = qBool(q, "ofiTrendDisagree")
	return cfg
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func qInt(q url.Values, key string) (int, bool) {
	v, err := strconv.Atoi(q.Get(key))
	if err != nil {
		return 0, false
	}
	return v, true
}

func qFloat(q url.Values, key string) (float64, bool) {
	v, err := strconv.ParseFloat(q.Get(key), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func qBool(q url.Values, key string) bool {
	v, err := strconv.ParseBool(q.Get(key))
	return err == nil && v
}

// clampLimit parses a limit option against a route-specific cap.
func clampLimit(q url.Values, def, max int) int {
	limit := def
	if v, ok := qInt(q, "limit"); ok && v > 0 {
		limit = v
	}
	if limit > max {
		limit = max
	}
	return limit
}
