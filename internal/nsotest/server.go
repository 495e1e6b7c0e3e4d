// Package nsotest runs a fake of every upstream the identity chain talks
// to: the Nintendo Account server, Coral, SplatNet 3, the f-token oracle,
// the app store page and the persisted-query reference.
//
// Minted tokens are numbered ("gtoken-3") so tests can tell a fresh value
// from a cached one. Each endpoint counts its calls and can be told to fail.
package nsotest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stephnangue/splatauth/nso"
)

// Endpoint names, in chain order.
const (
	SessionToken    = "session_token"
	Token           = "token"
	UserInfo        = "users_me"
	FToken1         = "f1"
	Login           = "login"
	FToken2         = "f2"
	WebServiceToken = "web_service_token"
	BulletToken     = "bullet_token"
	AppStore        = "app_store"
	Reference       = "reference"
	GraphQL         = "graphql"
)

// ChainOrder is the sequence of upstream calls a full walk from a session
// token makes.
var ChainOrder = []string{Token, UserInfo, FToken1, Login, FToken2, WebServiceToken, BulletToken}

// Credential kinds the server tracks for validation.
const (
	KindSessionToken    = "session_token"
	KindAccessToken     = "access_token"
	KindIDToken         = "id_token"
	KindWebServiceToken = "web_service_token"
	KindGameWebToken    = "gtoken"
	KindBulletToken     = "bullet_token"
)

// Server is the fake upstream. SessionTokenOut is valid from the start,
// as if the user had logged in earlier.
type Server struct {
	*httptest.Server

	// Fixed inputs; change them before the first request.
	SessionTokenCode string
	SessionTokenOut  string
	CoralUserID      int64
	Profile          nso.Profile
	AppVersion       string
	WebViewVersion   string
	Hashes           map[string]string

	mu       sync.Mutex
	calls    map[string]int
	order    []string
	failures map[string][]int
	issued   map[string]int
	valid    map[string]map[string]bool
}

// New starts a server that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		SessionTokenCode: "code-1",
		SessionTokenOut:  "session-token-1",
		CoralUserID:      5858585858585858,
		Profile: nso.Profile{
			NAID:     "0123456789abcdef",
			Language: "en-US",
			Country:  "US",
			Birthday: "1990-01-01",
		},
		AppVersion:     "2.10.1",
		WebViewVersion: "6.0.0-test",
		Hashes: map[string]string{
			"StageScheduleQuery":   "hash-stage-schedule",
			"VsHistoryDetailQuery": "hash-vs-history-detail",
			"CoopHistoryQuery":     "hash-coop-history",
		},
		calls:    make(map[string]int),
		failures: make(map[string][]int),
		issued:   make(map[string]int),
		valid:    make(map[string]map[string]bool),
	}
	s.Seed(KindSessionToken, s.SessionTokenOut)
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// Endpoints points every upstream at this server.
func (s *Server) Endpoints() nso.Endpoints {
	return nso.Endpoints{
		Accounts:    s.URL,
		AccountsAPI: s.URL,
		Coral:       s.URL,
		SplatNet:    s.URL,
		AppStore:    s.URL + "/app",
	}
}

// FTokenURL is the oracle endpoint.
func (s *Server) FTokenURL() string { return s.URL + "/f" }

// ReferenceURL serves the persisted-query hashes and web view version.
func (s *Server) ReferenceURL() string { return s.URL + "/reference.json" }

// GraphQLURL is the SplatNet query endpoint.
func (s *Server) GraphQLURL() string { return s.URL + "/api/graphql" }

// Calls returns how many requests endpoint received.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// Order returns the chain endpoints hit so far, in order. App store and
// reference lookups are left out.
func (s *Server) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// ResetCalls clears counters and order.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
	s.order = nil
}

// FailNext makes the next len(statuses) requests to endpoint answer with
// those statuses before normal behaviour resumes.
func (s *Server) FailNext(endpoint string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = append(s.failures[endpoint], statuses...)
}

// Seed makes value acceptable as a credential of kind.
func (s *Server) Seed(kind, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid[kind] == nil {
		s.valid[kind] = make(map[string]bool)
	}
	s.valid[kind][value] = true
}

// Revoke makes every credential of kind issued or seeded so far invalid.
func (s *Server) Revoke(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.valid, kind)
}

// Issued reports how many credentials of kind the server minted.
func (s *Server) Issued(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued[kind]
}

func (s *Server) mint(kind, prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued[kind]++
	v := fmt.Sprintf("%s-%d", prefix, s.issued[kind])
	if s.valid[kind] == nil {
		s.valid[kind] = make(map[string]bool)
	}
	s.valid[kind][v] = true
	return v
}

func (s *Server) isValid(kind, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return value != "" && s.valid[kind][value]
}

// hit records the call and reports an injected failure status, if any.
func (s *Server) hit(endpoint string, chain bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[endpoint]++
	if chain {
		s.order = append(s.order, endpoint)
	}
	if q := s.failures[endpoint]; len(q) > 0 {
		s.failures[endpoint] = q[1:]
		return q[0]
	}
	return 0
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Post("/connect/1.0.0/api/session_token", s.handleSessionToken)
	r.Post("/connect/1.0.0/api/token", s.handleToken)
	r.Get("/2.0.0/users/me", s.handleUserInfo)
	r.Post("/f", s.handleFToken)
	r.Post("/v3/Account/Login", s.handleLogin)
	r.Post("/v2/Game/GetWebServiceToken", s.handleWebServiceToken)
	r.Post("/api/bullet_tokens", s.handleBulletToken)
	r.Post("/api/graphql", s.handleGraphQL)
	r.Get("/app", s.handleAppStore)
	r.Get("/reference.json", s.handleReference)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func failWith(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(SessionToken, true); status != 0 {
		failWith(w, status)
		return
	}
	if err := r.ParseForm(); err != nil {
		failWith(w, http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("session_token_code") != s.SessionTokenCode ||
		r.PostForm.Get("session_token_code_verifier") == "" ||
		r.PostForm.Get("client_id") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	s.Seed(KindSessionToken, s.SessionTokenOut)
	writeJSON(w, http.StatusOK, map[string]string{
		"session_token": s.SessionTokenOut,
		"code":          r.PostForm.Get("session_token_code"),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(Token, true); status != 0 {
		failWith(w, status)
		return
	}
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		failWith(w, http.StatusBadRequest)
		return
	}
	if !s.isValid(KindSessionToken, body["session_token"]) ||
		body["grant_type"] != "urn:ietf:params:oauth:grant-type:jwt-bearer-session-token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": s.mint(KindAccessToken, "access"),
		"id_token":     s.mint(KindIDToken, "id"),
		"expires_in":   900,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(UserInfo, true); status != 0 {
		failWith(w, status)
		return
	}
	if !s.isValid(KindAccessToken, bearer(r)) {
		failWith(w, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       s.Profile.NAID,
		"language": s.Profile.Language,
		"country":  s.Profile.Country,
		"birthday": s.Profile.Birthday,
		"nickname": "tester",
	})
}

// fValue is the deterministic signature the fake oracle hands out.
func fValue(step int, token string) string {
	return fmt.Sprintf("f%d:%s", step, token)
}

func (s *Server) handleFToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		HashMethod  int    `json:"hash_method"`
		NAID        string `json:"na_id"`
		CoralUserID string `json:"coral_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.hit(FToken1, true)
		failWith(w, http.StatusBadRequest)
		return
	}
	endpoint := FToken1
	if body.HashMethod == 2 {
		endpoint = FToken2
	}
	if status := s.hit(endpoint, true); status != 0 {
		failWith(w, status)
		return
	}
	if body.Token == "" || (body.HashMethod == 2 && body.CoralUserID == "") {
		failWith(w, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"f":          fValue(body.HashMethod, body.Token),
		"request_id": fmt.Sprintf("req-%d-%s", body.HashMethod, body.Token),
		"timestamp":  1700000000000,
	})
}

type coralParameter struct {
	Parameter map[string]interface{} `json:"parameter"`
}

func coralError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"errorMessage":  msg,
		"correlationId": "test",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(Login, true); status != 0 {
		failWith(w, status)
		return
	}
	if r.Header.Get("X-Platform") != "Android" || r.Header.Get("X-ProductVersion") == "" {
		failWith(w, http.StatusBadRequest)
		return
	}
	var body coralParameter
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		failWith(w, http.StatusBadRequest)
		return
	}
	idToken, _ := body.Parameter["naIdToken"].(string)
	f, _ := body.Parameter["f"].(string)
	if !s.isValid(KindIDToken, idToken) || f != fValue(1, idToken) {
		coralError(w, 9403, "Invalid token.")
		return
	}
	if body.Parameter["naCountry"] != s.Profile.Country || body.Parameter["naBirthday"] != s.Profile.Birthday {
		coralError(w, 9400, "Invalid request.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": 0,
		"result": map[string]interface{}{
			"user": map[string]interface{}{
				"id":   s.CoralUserID,
				"name": "tester",
			},
			"webApiServerCredential": map[string]interface{}{
				"accessToken": s.mint(KindWebServiceToken, "wst"),
				"expiresIn":   7200,
			},
		},
	})
}

func (s *Server) handleWebServiceToken(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(WebServiceToken, true); status != 0 {
		failWith(w, status)
		return
	}
	var body coralParameter
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		failWith(w, http.StatusBadRequest)
		return
	}
	wst := bearer(r)
	f, _ := body.Parameter["f"].(string)
	if !s.isValid(KindWebServiceToken, wst) || body.Parameter["registrationToken"] != wst {
		coralError(w, 9403, "Invalid token.")
		return
	}
	if f != fValue(2, wst) {
		coralError(w, 9403, "Invalid f.")
		return
	}
	if id, _ := body.Parameter["id"].(float64); int64(id) != nso.GameID {
		coralError(w, 9400, "Invalid game.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": 0,
		"result": map[string]interface{}{
			"id":          nso.GameID,
			"accessToken": s.mint(KindGameWebToken, "gtoken"),
			"expiresIn":   7200,
		},
	})
}

func (s *Server) handleBulletToken(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(BulletToken, true); status != 0 {
		if status == http.StatusNoContent {
			w.WriteHeader(status)
			return
		}
		failWith(w, status)
		return
	}
	gtoken, err := r.Cookie("_gtoken")
	if err != nil || !s.isValid(KindGameWebToken, gtoken.Value) {
		failWith(w, http.StatusUnauthorized)
		return
	}
	if r.Header.Get("X-Web-View-Ver") != s.WebViewVersion {
		failWith(w, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"bulletToken":    s.mint(KindBulletToken, "bullet"),
		"lang":           r.Header.Get("Accept-Language"),
		"is_noe_country": "false",
	})
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(GraphQL, false); status != 0 {
		failWith(w, status)
		return
	}
	if !s.isValid(KindBulletToken, bearer(r)) {
		failWith(w, http.StatusUnauthorized)
		return
	}
	var body struct {
		Extensions struct {
			PersistedQuery struct {
				Hash    string `json:"sha256Hash"`
				Version int    `json:"version"`
			} `json:"persistedQuery"`
		} `json:"extensions"`
		Variables map[string]interface{} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		failWith(w, http.StatusBadRequest)
		return
	}
	for name, hash := range s.Hashes {
		if hash == body.Extensions.PersistedQuery.Hash {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"query": name, "variables": body.Variables},
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": []map[string]string{{"message": "PersistedQueryNotFound"}},
	})
}

func (s *Server) handleAppStore(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(AppStore, false); status != 0 {
		failWith(w, status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><body>
<section class="whats-new">
  <h4 class="whats-new__headline">What's New</h4>
  <p class="l-column small-6 medium-12 whats-new__latest__version">Version %s</p>
</section></body></html>`, s.AppVersion)
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	if status := s.hit(Reference, false); status != 0 {
		failWith(w, status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"graphql": map[string]interface{}{"hash_map": s.Hashes},
		"version": s.WebViewVersion,
	})
}

// RedirectURL builds the redirect the login page would send for code.
func RedirectURL(code, state string) string {
	v := url.Values{}
	v.Set("state", state)
	v.Set("session_token_code", code)
	v.Set("session_state", "x")
	return nso.RedirectScheme + "://auth#" + v.Encode()
}
