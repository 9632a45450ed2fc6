package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/brenonaraujo/tasquest.app/domain"
)

var (
	// ErrEmptyReply is returned when the provider answered without text.
	ErrEmptyReply = errors.New("empty reply from generative service")
	// ErrMalformedReply is returned when the reply is not a JSON object.
	ErrMalformedReply = errors.New("malformed reply from generative service")
)

// Completer sends one system instruction and one user message to a generative
// text service and returns its JSON-shaped reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const systemPrompt = `You estimate experience points (XP) for to-do tasks in a gamified productivity app.
Pick an integer between 5 and 50 using these bands:
- 5-10: trivial tasks that take a few minutes and little effort
- 11-20: moderate tasks that need some focus or up to an hour of work
- 21-35: complex tasks with several steps or a few hours of work
- 36-50: very challenging tasks that take a day or more or demand significant effort
Reply with a JSON object only, shaped as {"suggestedXp": <integer>, "justification": "<one short sentence>"}.`

// Advisor turns task descriptions into bounded XP suggestions.
type Advisor struct {
	completer Completer
	timeout   time.Duration
	logger    *log.Logger
}

// NewAdvisor wraps completer. A non-positive timeout leaves the call bounded
// only by ctx.
func NewAdvisor(completer Completer, timeout time.Duration, logger *log.Logger) *Advisor {
	if completer == nil {
		panic("ai.NewAdvisor: completer is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Advisor{completer: completer, timeout: timeout, logger: logger}
}

// SuggestXP asks the generative service once. Failures are not retried.
func (a *Advisor) SuggestXP(ctx context.Context, title, description string) (domain.XPSuggestion, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	reply, err := a.completer.Complete(ctx, systemPrompt, userPrompt(title, description))
	if err != nil {
		return domain.XPSuggestion{}, fmt.Errorf("suggest xp: %w", err)
	}
	suggestion, err := ParseSuggestion(reply)
	if err != nil {
		a.logger.WithField("reply", truncate(reply, 512)).Debug("ai.suggest_xp.unparseable_reply")
		return domain.XPSuggestion{}, fmt.Errorf("suggest xp: %w", err)
	}
	return suggestion, nil
}

func userPrompt(title, description string) string {
	var b strings.Builder
	b.WriteString("Task title: ")
	b.WriteString(title)
	if d := strings.TrimSpace(description); d != "" {
		b.WriteString("\nTask description: ")
		b.WriteString(d)
	}
	return b.String()
}

// ParseSuggestion reads a provider reply. The reply must be a JSON object,
// optionally wrapped in a markdown code fence. suggestedXp is rounded and
// clamped to [5, 50]; when absent or not numeric it becomes 10.
func ParseSuggestion(reply string) (domain.XPSuggestion, error) {
	raw := stripCodeFence(reply)
	if raw == "" {
		return domain.XPSuggestion{}, ErrEmptyReply
	}
	if !gjson.Valid(raw) {
		return domain.XPSuggestion{}, ErrMalformedReply
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return domain.XPSuggestion{}, ErrMalformedReply
	}

	xp := domain.DefaultSuggestedXP
	if f, ok := numeric(root.Get("suggestedXp")); ok {
		xp = clampFloat(f)
	}

	var justification string
	if j := root.Get("justification"); j.Type == gjson.String {
		justification = j.Str
	}
	return domain.XPSuggestion{SuggestedXP: xp, Justification: justification}, nil
}

func numeric(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clampFloat(f float64) int {
	f = math.Round(f)
	f = math.Max(domain.MinSuggestedXP, math.Min(domain.MaxSuggestedXP, f))
	return domain.ClampXP(int(f))
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
