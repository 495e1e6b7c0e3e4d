package nso

const (
	// RedirectScheme is the custom scheme the login page redirects to.
	RedirectScheme = "npf71b963c1b7b6d119"

	// GameID identifies Splatoon 3 to GetWebServiceToken.
	GameID int64 = 4834290508791808

	// FallbackAppVersion is sent when the app store cannot be scraped.
	FallbackAppVersion = "2.7.0"

	// DefaultUserAgent is the web view user agent for SplatNet requests.
	DefaultUserAgent = "Mozilla/5.0 (Linux; Android 11; Pixel 5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.61 Mobile Safari/537.36"

	accountsUserAgent = "Dalvik/2.1.0 (Linux; U; Android 7.1.2)"
	userInfoUserAgent = "NASDKAPI; Android"
	tokenGrantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer-session-token"
)

// Endpoints are the base URLs of every upstream. Tests point them all at
// one fake server.
type Endpoints struct {
	Accounts    string
	AccountsAPI string
	Coral       string
	SplatNet    string
	AppStore    string
}

// DefaultEndpoints are the production hosts.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Accounts:    "https://accounts.nintendo.com",
		AccountsAPI: "https://api.accounts.nintendo.com",
		Coral:       "https://api-lp1.znc.srv.nintendo.net",
		SplatNet:    "https://api.lp1.av5ja.srv.nintendo.net",
		AppStore:    "https://apps.apple.com/us/app/nintendo-switch-online/id1234806557",
	}
}

// WithDefaults fills unset hosts from DefaultEndpoints.
func (e Endpoints) WithDefaults() Endpoints {
	def := DefaultEndpoints()
	if e.Accounts == "" {
		e.Accounts = def.Accounts
	}
	if e.AccountsAPI == "" {
		e.AccountsAPI = def.AccountsAPI
	}
	if e.Coral == "" {
		e.Coral = def.Coral
	}
	if e.SplatNet == "" {
		e.SplatNet = def.SplatNet
	}
	if e.AppStore == "" {
		e.AppStore = def.AppStore
	}
	return e
}

func (e Endpoints) sessionTokenURL() string    { return e.Accounts + "/connect/1.0.0/api/session_token" }
func (e Endpoints) tokenURL() string           { return e.Accounts + "/connect/1.0.0/api/token" }
func (e Endpoints) userInfoURL() string        { return e.AccountsAPI + "/2.0.0/users/me" }
func (e Endpoints) loginURL() string           { return e.Coral + "/v3/Account/Login" }
func (e Endpoints) webServiceTokenURL() string { return e.Coral + "/v2/Game/GetWebServiceToken" }
func (e Endpoints) bulletTokenURL() string     { return e.SplatNet + "/api/bullet_tokens" }
