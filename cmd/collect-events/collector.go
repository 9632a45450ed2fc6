package main

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	defaultEventDomain = "tasquest.gateway"

	attrHTTPStatusCode = "http.status_code"
	attrUpstreamStatus = "gateway.upstream.status_code"
	attrErrorStage     = "gateway.error_stage"
)

// Duration attributes, keyed by the name they are reported under.
var durationAttrs = map[string]string{
	"total":    "gateway.total_ms",
	"upstream": "gateway.upstream_ms",
	"enrich":   "gateway.enrich_ms",
	"ai":       "gateway.ai_ms",
}

// Enrichment counters summed across feed requests.
var enrichAttrs = map[string]string{
	"items":          "gateway.enrich.items",
	"candidates":     "gateway.enrich.candidates",
	"distinct_tasks": "gateway.enrich.distinct_tasks",
	"resolved":       "gateway.enrich.resolved",
	"failed":         "gateway.enrich.failed",
	"enriched":       "gateway.enrich.enriched",
}

type collector struct {
	eventDomain string
	events      map[string]*eventStats
	skipped     int
}

type eventStats struct {
	count          int
	severityCounts map[string]int
	statusCounts   map[int]int
	upstreamCounts map[int]int
	durations      map[string]*numericStats
	enrich         map[string]int64
	enrichRequests int
	errorStages    map[string]int
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

type durationSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
}

type eventSummary struct {
	EventName      string                     `json:"event_name"`
	TotalEvents    int                        `json:"total_events"`
	SeverityCounts map[string]int             `json:"severity_counts"`
	StatusCounts   map[string]int             `json:"status_counts"`
	UpstreamCounts map[string]int             `json:"upstream_status_counts,omitempty"`
	DurationMs     map[string]durationSummary `json:"duration_ms"`
	EnrichRequests int                        `json:"enrich_requests,omitempty"`
	Enrichment     map[string]int64           `json:"enrichment,omitempty"`
	ErrorStages    map[string]int             `json:"error_stages,omitempty"`
}

type summaryOutput struct {
	EventDomain  string         `json:"event_domain"`
	Events       []eventSummary `json:"events"`
	SkippedLines int            `json:"skipped_lines"`
}

func newCollector(eventDomain string) *collector {
	return &collector{
		eventDomain: eventDomain,
		events:      make(map[string]*eventStats),
	}
}

// ingest accepts one log line. Lines prefixed by a container name and a pipe,
// as docker compose prints them, are accepted too.
func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}
	if !gjson.Valid(trimmed) {
		c.skipped++
		return
	}

	rec := gjson.Parse(trimmed)
	name := rec.Get(`event\.name`).String()
	if name == "" {
		return
	}
	if c.eventDomain != "" && rec.Get(`event\.domain`).String() != c.eventDomain {
		return
	}

	stats, ok := c.events[name]
	if !ok {
		stats = newEventStats()
		c.events[name] = stats
	}
	stats.add(rec)
}

func newEventStats() *eventStats {
	return &eventStats{
		severityCounts: make(map[string]int),
		statusCounts:   make(map[int]int),
		upstreamCounts: make(map[int]int),
		durations:      make(map[string]*numericStats),
		enrich:         make(map[string]int64),
		errorStages:    make(map[string]int),
	}
}

func (s *eventStats) add(rec gjson.Result) {
	s.count++

	severity := strings.ToUpper(strings.TrimSpace(rec.Get("severity_text").String()))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	s.severityCounts[severity]++

	attrs := rec.Get("attributes")
	if !attrs.IsObject() {
		return
	}
	attr := func(key string) gjson.Result {
		return attrs.Get(gjson.Escape(key))
	}

	if v := attr(attrHTTPStatusCode); v.Exists() {
		s.statusCounts[int(v.Int())]++
	}
	if v := attr(attrUpstreamStatus); v.Exists() {
		s.upstreamCounts[int(v.Int())]++
	}
	for name, key := range durationAttrs {
		if v := attr(key); v.Exists() {
			s.addDuration(name, v.Float())
		}
	}
	if attr(enrichAttrs["items"]).Exists() {
		s.enrichRequests++
		for name, key := range enrichAttrs {
			s.enrich[name] += attr(key).Int()
		}
	}
	if stage := attr(attrErrorStage).String(); stage != "" {
		s.errorStages[stage]++
	}
}

func (s *eventStats) addDuration(key string, value float64) {
	stat, ok := s.durations[key]
	if !ok {
		stat = &numericStats{Min: math.MaxFloat64}
		s.durations[key] = stat
	}
	stat.add(value)
}

func (n *numericStats) add(value float64) {
	n.Count++
	n.Sum += value
	if value < n.Min {
		n.Min = value
	}
	if value > n.Max {
		n.Max = value
	}
}

func (n *numericStats) toDurationSummary() durationSummary {
	if n == nil || n.Count == 0 {
		return durationSummary{}
	}
	return durationSummary{
		Count: n.Count,
		Min:   n.Min,
		Max:   n.Max,
		Avg:   n.Sum / float64(n.Count),
	}
}

func (c *collector) summary() summaryOutput {
	names := make([]string, 0, len(c.events))
	for name := range c.events {
		names = append(names, name)
	}
	sort.Strings(names)

	out := summaryOutput{
		EventDomain:  c.eventDomain,
		Events:       make([]eventSummary, 0, len(names)),
		SkippedLines: c.skipped,
	}
	for _, name := range names {
		out.Events = append(out.Events, c.events[name].summary(name))
	}
	return out
}

func (s *eventStats) summary(name string) eventSummary {
	durations := make(map[string]durationSummary, len(s.durations))
	for key, stat := range s.durations {
		durations[key] = stat.toDurationSummary()
	}
	severity := make(map[string]int, len(s.severityCounts))
	for k, v := range s.severityCounts {
		severity[k] = v
	}

	out := eventSummary{
		EventName:      name,
		TotalEvents:    s.count,
		SeverityCounts: severity,
		StatusCounts:   statusMap(s.statusCounts),
		UpstreamCounts: statusMap(s.upstreamCounts),
		DurationMs:     durations,
		EnrichRequests: s.enrichRequests,
		ErrorStages:    compactStringIntMap(s.errorStages),
	}
	if s.enrichRequests > 0 {
		out.Enrichment = s.enrich
	}
	return out
}

func statusMap(in map[int]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for status, count := range in {
		out[strconv.Itoa(status)] = count
	}
	return out
}

func compactStringIntMap(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ShortString renders one line per event name for terminal output.
func (s summaryOutput) ShortString() string {
	lines := make([]string, 0, len(s.Events))
	for _, ev := range s.Events {
		total := ev.DurationMs["total"]
		lines = append(lines, strings.Join([]string{
			"event=" + ev.EventName,
			"total=" + strconv.Itoa(ev.TotalEvents),
			"info=" + strconv.Itoa(ev.SeverityCounts["INFO"]),
			"warn=" + strconv.Itoa(ev.SeverityCounts["WARN"]),
			"error=" + strconv.Itoa(ev.SeverityCounts["ERROR"]),
			"avg_total_ms=" + formatFloat(total.Avg),
			"max_total_ms=" + formatFloat(total.Max),
		}, " "))
	}
	if len(lines) == 0 {
		return "domain=" + s.EventDomain + " total=0"
	}
	return strings.Join(lines, "\n")
}

func formatFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
