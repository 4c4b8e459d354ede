package service

import (
	"net/netip"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/dotX12/nginx-sentinel/internal/domain"
	"github.com/dotX12/nginx-sentinel/internal/metrics"
)

// combinedLogPattern extracts the canonical Nginx/Apache combined log
// format:
//
//	1.2.3.4 - - [10/Oct/2025:13:55:36 +0000] "GET /wp-admin/ HTTP/1.1" 404 512 "-" "Mozilla/5.0"
//
// The remote address, the request line's method and path, the status
// code, and the quoted user agent are captured; the exact regex is not
// prescribed by spec (§9's Open Questions) — any regex matching the
// standard format is acceptable.
var combinedLogPattern = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[[^\]]+\] "(\S+)\s+(\S+)(?:\s+\S+)?" (\d{3}) \S+ "[^"]*" "([^"]*)"`,
)

// LogParser extracts LogRecords from raw access-log lines (spec §4.5).
type LogParser struct{}

// NewLogParser creates a LogParser.
func NewLogParser() *LogParser {
	return &LogParser{}
}

// Parse converts a raw line into a LogRecord using observedAt (supplied
// by the caller's monotonic clock, not the log's own timestamp, per
// spec §4.5) as the record's ObservedAt. Lines that don't match, or
// whose address doesn't parse, are dropped and counted.
func (p *LogParser) Parse(line string, observedAt time.Time) (domain.LogRecord, bool) {
	if !utf8.ValidString(line) {
		line = toValidUTF8(line)
	}

	m := combinedLogPattern.FindStringSubmatch(line)
	if m == nil {
		metrics.ParseErrorsTotal.Inc()
		return domain.LogRecord{}, false
	}

	addr, err := netip.ParseAddr(m[1])
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		return domain.LogRecord{}, false
	}

	status, err := strconv.Atoi(m[4])
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		return domain.LogRecord{}, false
	}

	metrics.LinesParsedTotal.Inc()
	return domain.LogRecord{
		SourceIP:   addr,
		Method:     m[2],
		Path:       m[3],
		Status:     status,
		UserAgent:  m[5],
		ObservedAt: observedAt,
	}, true
}

func toValidUTF8(s string) string {
	return string([]rune(s))
}
