// Package urls builds links into the content management UI.
package urls

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
)

var ErrInvalidBaseURL = errors.New("invalid base url")

type Generator struct {
	base *url.URL
}

var _ protocol.URLGenerator = (*Generator)(nil)

// New validates base, which must be an absolute http(s) URL.
func New(base string) (*Generator, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, base)
	}

	return &Generator{base: u}, nil
}

// ContentURL links to the history view of a content item, addressed by app
// and schema names.
func (g *Generator) ContentURL(app, schema models.NamedID, contentID string) string {
	if app.Name == "" || schema.Name == "" || contentID == "" {
		return ""
	}

	return g.base.JoinPath("app", app.Name, "content", schema.Name, contentID, "history").String()
}
