package credential

import (
	"context"
	"fmt"

	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/nso"
)

// BeginLogin starts a browser login and returns the URL to open. The
// verifier is kept until CompleteLogin; calling BeginLogin again abandons
// the previous attempt.
func (m *Manager) BeginLogin() (string, error) {
	st, err := m.ex.BeginLogin()
	if err != nil {
		return "", err
	}
	m.loginMu.Lock()
	m.login = &st
	m.loginMu.Unlock()
	m.log.Debug("login started")
	return st.URL, nil
}

// CompleteLogin redeems the redirect URL the login page sent the browser to.
// On success the new session token replaces every credential held so far.
func (m *Manager) CompleteLogin(ctx context.Context, redirectURL string) error {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if m.login == nil {
		return ErrNoLogin
	}

	code, err := m.login.Redeem(redirectURL)
	if err != nil {
		return err
	}
	// the code is single-use: whatever happens next, this attempt is spent
	m.login = nil

	st, err := m.ex.SessionToken(ctx, code)
	if err != nil {
		return err
	}
	m.store.Invalidate(SessionToken)
	if _, err := m.store.Put(FromToken(SessionToken, st.SessionToken)); err != nil {
		return fmt.Errorf("failed to store session token: %w", err)
	}
	m.log.Info("logged in", logger.Secret("session_token", st.SessionToken.Value))
	return nil
}

// LoginPending reports whether a login was started and not completed.
func (m *Manager) LoginPending() bool {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	return m.login != nil
}

var _ Exchanger = (*nso.Client)(nil)
