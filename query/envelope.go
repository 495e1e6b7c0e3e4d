package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stephnangue/splatauth/nso"
	"golang.org/x/text/language"
)

// persistedQueryVersion is the only version of the persisted-query protocol
// SplatNet accepts.
const persistedQueryVersion = 1

// Envelope is a persisted-query request body.
type Envelope struct {
	Name      string
	Hash      string
	Variables map[string]interface{}
}

type persistedQuery struct {
	Hash    string `json:"sha256Hash"`
	Version int    `json:"version"`
}

type wireEnvelope struct {
	Extensions struct {
		PersistedQuery persistedQuery `json:"persistedQuery"`
	} `json:"extensions"`
	Variables map[string]interface{} `json:"variables"`
}

// MarshalJSON writes the body SplatNet expects. Variables are always an
// object, never null.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	var w wireEnvelope
	w.Extensions.PersistedQuery = persistedQuery{Hash: e.Hash, Version: persistedQueryVersion}
	w.Variables = e.Variables
	if w.Variables == nil {
		w.Variables = map[string]interface{}{}
	}
	return json.Marshal(w)
}

// Auth is what an authenticated SplatNet request needs besides the body.
type Auth struct {
	BulletToken    string
	GameWebToken   string
	WebViewVersion string

	// Language is the account language, "en-US" when empty. Country
	// defaults to the language's region.
	Language string
	Country  string

	// UserAgent defaults to nso.DefaultUserAgent, BaseURL to the
	// production SplatNet host.
	UserAgent string
	BaseURL   string
}

func (a Auth) withDefaults() Auth {
	if a.Language == "" {
		a.Language = "en-US"
	}
	if a.Country == "" {
		if tag, err := language.Parse(a.Language); err == nil {
			if region, conf := tag.Region(); conf != language.No {
				a.Country = region.String()
			}
		}
	}
	if a.UserAgent == "" {
		a.UserAgent = nso.DefaultUserAgent
	}
	if a.BaseURL == "" {
		a.BaseURL = nso.DefaultEndpoints().SplatNet
	}
	return a
}

// NewRequest builds the POST to /api/graphql carrying e. The request is
// returned unsent.
func (e *Envelope) NewRequest(ctx context.Context, auth Auth) (*http.Request, error) {
	if auth.BulletToken == "" || auth.GameWebToken == "" {
		return nil, ErrMissingAuth
	}
	auth = auth.withDefaults()

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.BaseURL+"/api/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	referer := url.Values{}
	referer.Set("lang", auth.Language)
	referer.Set("na_country", auth.Country)
	referer.Set("na_lang", auth.Language)

	req.Header.Set("Authorization", "Bearer "+auth.BulletToken)
	req.Header.Set("Accept-Language", auth.Language)
	req.Header.Set("User-Agent", auth.UserAgent)
	if auth.WebViewVersion != "" {
		req.Header.Set("X-Web-View-Ver", auth.WebViewVersion)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", auth.BaseURL)
	req.Header.Set("X-Requested-With", "com.nintendo.znca")
	req.Header.Set("Referer", auth.BaseURL+"/?"+referer.Encode())
	req.AddCookie(&http.Cookie{Name: "_gtoken", Value: auth.GameWebToken})
	return req, nil
}
