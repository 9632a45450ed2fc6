package api

import (
	"context"

	"github.com/brenonaraujo/tasquest.app/domain"
	"github.com/brenonaraujo/tasquest.app/feed"
	"github.com/brenonaraujo/tasquest.app/upstream"
)

// Upstream relays requests to the upstream task API.
type Upstream interface {
	Forward(ctx context.Context, req upstream.Request) (*upstream.Response, error)
	StripClientPrefix(path string) (string, bool)
}

// Enricher fills task fields on feed responses.
type Enricher interface {
	Enrich(ctx context.Context, body []byte, authorization string) ([]byte, feed.Stats)
}

// Advisor produces XP suggestions.
type Advisor interface {
	SuggestXP(ctx context.Context, title, description string) (domain.XPSuggestion, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}
