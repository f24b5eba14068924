package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
)

func TestClassifyStatsLine(t *testing.T) {
	tests := []struct {
		name          string
		line          string
		wantCompleted int64
		wantTotal     int64
		wantFound     int64
		wantTemplate  string
	}{
		{
			name:          "numeric counters",
			line:          `{"requests": 120, "total": 480, "matched": 3, "errors": 0}`,
			wantCompleted: 120,
			wantTotal:     480,
			wantFound:     3,
		},
		{
			name:          "string counters",
			line:          `{"requests": "120", "total": "480", "matched": "3", "errors": "0"}`,
			wantCompleted: 120,
			wantTotal:     480,
			wantFound:     3,
		},
		{
			name:          "mixed encodings with template",
			line:          `{"requests": "42", "total": 100, "matched": 1, "template": "cve-2021-44228"}`,
			wantCompleted: 42,
			wantTotal:     100,
			wantFound:     1,
			wantTemplate:  "cve-2021-44228",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify([]byte(tt.line))
			require.Equal(t, KindProgress, c.Kind)
			assert.Equal(t, tt.wantCompleted, c.Progress.CompletedRequests())
			assert.Equal(t, tt.wantTotal, c.Progress.TotalRequests())
			assert.Equal(t, tt.wantFound, c.Progress.FoundVulns())
			assert.Equal(t, tt.wantTemplate, c.Progress.CurrentTemplate())
		})
	}
}

func TestClassifyResultLine(t *testing.T) {
	line := `{"template-id":"exposed-env","host":"https://example.com","matched-at":"https://example.com/.env","info":{"name":"Exposed .env File","severity":"High"},"extracted-results":["DB_PASSWORD=hunter2"],"request":"GET /.env HTTP/1.1","response":"HTTP/1.1 200 OK"}`

	c := Classify([]byte(line))
	require.Equal(t, KindFinding, c.Kind)
	assert.Equal(t, "exposed-env", c.Finding.TemplateRef)
	assert.Equal(t, "Exposed .env File", c.Finding.Name)
	assert.Equal(t, "high", c.Finding.Severity)
	assert.Equal(t, "https://example.com", c.Finding.Host)
	assert.Equal(t, "https://example.com/.env", c.Finding.MatchedAt)
	assert.Equal(t, []string{"DB_PASSWORD=hunter2"}, c.Finding.Extracted)
	assert.Equal(t, "GET /.env HTTP/1.1", c.Finding.Request)
	assert.False(t, c.Finding.Timestamp.IsZero())
}

func TestClassifyBracketedFindingLine(t *testing.T) {
	c := Classify([]byte(`[git-config] [http] [medium] https://example.com/.git/config`))
	require.Equal(t, KindFinding, c.Kind)
	assert.Equal(t, "git-config", c.Finding.TemplateRef)
	assert.Equal(t, "medium", c.Finding.Severity)
	assert.Equal(t, "https://example.com/.git/config", c.Finding.Host)

	c = Classify([]byte(`[tech-detect:nginx] [http] [info] https://example.com [nginx/1.18.0]`))
	require.Equal(t, KindFinding, c.Kind)
	assert.Equal(t, "tech-detect:nginx", c.Finding.TemplateRef)
	assert.Equal(t, []string{"nginx/1.18.0"}, c.Finding.Extracted)
}

func TestClassifyLogLevels(t *testing.T) {
	tests := []struct {
		line      string
		wantLevel scanning.LogLevel
		wantMsg   string
	}{
		{"[INF] Templates loaded: 48", scanning.LogLevelInfo, "Templates loaded: 48"},
		{"[WRN] Skipping unresolvable host", scanning.LogLevelWarn, "Skipping unresolvable host"},
		{"[ERR] connection refused", scanning.LogLevelError, "connection refused"},
		{"[FTL] could not open targets", scanning.LogLevelError, "could not open targets"},
		{"[DBG] dialing 10.0.0.1:443", scanning.LogLevelDebug, "dialing 10.0.0.1:443"},
		{"plain text without marker", scanning.LogLevelInfo, "plain text without marker"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c := Classify([]byte(tt.line))
			require.Equal(t, KindLog, c.Kind)
			assert.Equal(t, tt.wantLevel, c.Entry.Level)
			assert.Equal(t, tt.wantMsg, c.Entry.Message)
		})
	}
}

func TestClassifyBanner(t *testing.T) {
	c := Classify([]byte("[INF] Current nuclei version: v3.1.4 (latest)"))
	require.Equal(t, KindBanner, c.Kind)
	assert.Equal(t, "3.1.4", c.EngineVersion)

	c = Classify([]byte("[INF] Using engine v2.9.15"))
	require.Equal(t, KindBanner, c.Kind)
	assert.Equal(t, "2.9.15", c.EngineVersion)
}

func TestClassifyMalformedJSONBecomesDebugLog(t *testing.T) {
	c := Classify([]byte(`{"requests": 12, truncated`))
	require.Equal(t, KindLog, c.Kind)
	assert.Equal(t, scanning.LogLevelDebug, c.Entry.Level)
	assert.Contains(t, c.Entry.Message, "truncated")
}

func TestClassifyStatsWithoutTotalIsNotProgress(t *testing.T) {
	// A JSON line missing run counters must not be mistaken for progress.
	c := Classify([]byte(`{"matched": 3}`))
	require.Equal(t, KindLog, c.Kind)
	assert.Equal(t, scanning.LogLevelDebug, c.Entry.Level)
}
