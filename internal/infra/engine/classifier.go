// Package engine drives the external detection-engine binary. It spawns and
// supervises engine processes and classifies their unstructured stdout into
// typed variants at the process boundary, so the rest of the system works
// only with typed events.
package engine

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	regexp "github.com/wasilibs/go-re2"

	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
)

// Kind tags one classified output line.
type Kind int

const (
	// KindLog is a free-text log line with a parsed level.
	KindLog Kind = iota

	// KindProgress is a structured stats line carrying run counters.
	KindProgress

	// KindFinding is a structured result record.
	KindFinding

	// KindBanner is the engine's startup banner carrying its version.
	KindBanner
)

// Classified is the tagged variant produced for each engine output line.
// Exactly one payload field is meaningful, selected by Kind.
type Classified struct {
	Kind          Kind
	Progress      scanning.Progress
	Finding       scanning.Finding
	Entry         scanning.LogEntry
	EngineVersion string
}

// Engine output is matched with linear-time regexes; the stream is
// untrusted input of unbounded shape.
var (
	// [template-id] [protocol] [severity] matched-target [extracted...]
	findingLineRe = regexp.MustCompile(`^\[([\w./:-]+)\] \[(\w+)\] \[(\w+)\] (\S+)(?: \[(.+)\])?$`)

	// [INF] / [WRN] / [ERR] / [DBG] / [VER] / [FTL] prefixes.
	levelMarkerRe = regexp.MustCompile(`^\[(INF|WRN|ERR|DBG|VER|FTL)\]\s*(.*)$`)

	engineVersionRe = regexp.MustCompile(`(?i)(?:engine|nuclei).{0,24}?v?(\d+\.\d+\.\d+)`)
)

// statsLine is the engine's periodic JSON stats record. Counters arrive as
// numbers or numeric strings depending on engine version.
type statsLine struct {
	Requests json.RawMessage `json:"requests"`
	Total    json.RawMessage `json:"total"`
	Matched  json.RawMessage `json:"matched"`
	Errors   json.RawMessage `json:"errors"`
	Template json.RawMessage `json:"template"`
}

// resultLine is one engine JSONL result record.
type resultLine struct {
	TemplateID  string `json:"template-id"`
	MatcherName string `json:"matcher-name"`
	Host        string `json:"host"`
	MatchedAt   string `json:"matched-at"`
	Info        struct {
		Name     string `json:"name"`
		Severity string `json:"severity"`
	} `json:"info"`
	ExtractedResults []string `json:"extracted-results"`
	Request          string   `json:"request"`
	Response         string   `json:"response"`
}

// Classify maps one raw engine output line to its typed variant. It never
// fails: lines that match no structured marker become INFO log entries, and
// raw request/response capture lines become DEBUG entries.
func Classify(line []byte) Classified {
	trimmed := bytes.TrimSpace(line)
	now := time.Now()

	if len(trimmed) == 0 {
		return Classified{Kind: KindLog, Entry: scanning.LogEntry{Timestamp: now, Level: scanning.LogLevelDebug}}
	}

	if trimmed[0] == '{' {
		if c, ok := classifyJSON(trimmed, now); ok {
			return c
		}
		// Unparseable JSON-looking output still lands in the audit trail.
		return Classified{Kind: KindLog, Entry: scanning.LogEntry{
			Timestamp: now,
			Level:     scanning.LogLevelDebug,
			Message:   string(trimmed),
		}}
	}

	text := string(trimmed)

	if m := levelMarkerRe.FindStringSubmatch(text); m != nil {
		entry := scanning.LogEntry{Timestamp: now, Message: m[2]}
		switch m[1] {
		case "WRN":
			entry.Level = scanning.LogLevelWarn
		case "ERR", "FTL":
			entry.Level = scanning.LogLevelError
		case "DBG", "VER":
			entry.Level = scanning.LogLevelDebug
		default:
			entry.Level = scanning.LogLevelInfo
		}

		if v := engineVersionRe.FindStringSubmatch(m[2]); v != nil {
			return Classified{Kind: KindBanner, EngineVersion: v[1]}
		}
		return Classified{Kind: KindLog, Entry: entry}
	}

	if m := findingLineRe.FindStringSubmatch(text); m != nil {
		finding := scanning.Finding{
			TemplateRef: m[1],
			Severity:    strings.ToLower(m[3]),
			Host:        m[4],
			MatchedAt:   m[4],
			Timestamp:   now,
		}
		if m[5] != "" {
			finding.Extracted = strings.Split(m[5], ",")
		}
		return Classified{Kind: KindFinding, Finding: finding}
	}

	return Classified{Kind: KindLog, Entry: scanning.LogEntry{
		Timestamp: now,
		Level:     scanning.LogLevelInfo,
		Message:   text,
	}}
}

func classifyJSON(line []byte, now time.Time) (Classified, bool) {
	var result resultLine
	if err := json.Unmarshal(line, &result); err == nil && result.TemplateID != "" && (result.Host != "" || result.MatchedAt != "") {
		host := result.Host
		if host == "" {
			host = result.MatchedAt
		}
		return Classified{
			Kind: KindFinding,
			Finding: scanning.Finding{
				TemplateRef: result.TemplateID,
				Name:        result.Info.Name,
				Severity:    strings.ToLower(result.Info.Severity),
				Host:        host,
				MatchedAt:   result.MatchedAt,
				Extracted:   result.ExtractedResults,
				Request:     result.Request,
				Response:    result.Response,
				Timestamp:   now,
			},
		}, true
	}

	var stats statsLine
	if err := json.Unmarshal(line, &stats); err == nil && stats.Requests != nil && stats.Total != nil {
		progress := scanning.NewProgress(
			rawCounter(stats.Requests),
			rawCounter(stats.Total),
			rawCounter(stats.Matched),
			rawString(stats.Template),
			now,
		)
		return Classified{Kind: KindProgress, Progress: progress}, true
	}

	return Classified{}, false
}

// rawCounter reads a counter that may be encoded as a JSON number or a
// numeric string.
func rawCounter(raw json.RawMessage) int64 {
	if raw == nil {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
