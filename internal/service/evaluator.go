package service

import (
	"github.com/dotX12/nginx-sentinel/internal/domain"
	"github.com/dotX12/nginx-sentinel/internal/metrics"
)

var scoredStatuses = map[int]struct{}{401: {}, 403: {}, 404: {}}

// Evaluate applies the classifier from spec §4.4 and counts the result
// in metrics.ClassificationsTotal. The classification itself (classify)
// is pure: a fixed-order match against the active config, instant_ban
// first, short-circuiting on the first InstantBan hit. Multiple scored
// matches on one line still collapse into a single Score (weight 1),
// per spec §3's tie-break rule.
func Evaluate(rec domain.LogRecord, cfg *domain.Config) domain.Classification {
	result := classify(rec, cfg)
	metrics.ClassificationsTotal.WithLabelValues(result.String()).Inc()
	return result
}

func classify(rec domain.LogRecord, cfg *domain.Config) domain.Classification {
	if cfg.InstantBan.Match(rec.Path) {
		return domain.InstantBan
	}

	if _, gated := scoredStatuses[rec.Status]; gated {
		if cfg.SensitiveFiles.Match(rec.Path) {
			return domain.Score
		}
		if cfg.CMSAttacks.Match(rec.Path) {
			return domain.Score
		}
	}

	if cfg.BadUserAgents.Match(rec.UserAgent) {
		return domain.Score
	}

	return domain.Ignore
}
