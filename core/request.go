package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stephnangue/splatauth/credential"
	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/nso"
	"github.com/stephnangue/splatauth/query"
)

// RefreshCatalog reloads the query hashes. A failure is only returned while
// the catalog is still empty; afterwards the previous hashes keep serving.
func (c *Core) RefreshCatalog(ctx context.Context) error {
	err := c.catalog.Refresh(ctx, c.hashes)
	if err == nil {
		return nil
	}
	if c.catalog.Len() == 0 {
		return err
	}
	c.logger.Warn("keeping previous query hashes", logger.Err(err))
	return nil
}

// NewRequest builds the authenticated SplatNet request for the named query,
// deriving whatever credentials have expired. The request is not sent.
func (c *Core) NewRequest(ctx context.Context, name string, vars map[string]interface{}) (*http.Request, error) {
	if err := c.RefreshCatalog(ctx); err != nil {
		return nil, err
	}
	env, err := c.builder.Build(name, vars)
	if err != nil {
		return nil, err
	}

	gtoken, err := c.manager.Get(ctx, credential.GameWebToken)
	if err != nil {
		return nil, err
	}
	bullet, err := c.manager.Get(ctx, credential.BulletToken)
	if err != nil {
		return nil, err
	}
	profile, err := c.profile(ctx)
	if err != nil {
		return nil, err
	}
	webView, err := c.versions.WebViewVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve web view version: %w", err)
	}

	userAgent := c.config.NSO.UserAgent
	if userAgent == "" {
		userAgent = nso.DefaultUserAgent
	}
	return env.NewRequest(ctx, query.Auth{
		BulletToken:    bullet,
		GameWebToken:   gtoken,
		WebViewVersion: webView,
		Language:       profile.Language,
		Country:        profile.Country,
		UserAgent:      userAgent,
		BaseURL:        c.endpoints.SplatNet,
	})
}

// profile falls back to the configured language and country when the
// credentials cannot fetch one, as with tokens supplied without a session
// token.
func (c *Core) profile(ctx context.Context) (nso.Profile, error) {
	p, err := c.manager.Profile(ctx)
	if errors.Is(err, credential.ErrNoSessionToken) {
		return nso.Profile{Language: c.config.NSO.Language, Country: c.config.NSO.Country}, nil
	}
	return p, err
}
