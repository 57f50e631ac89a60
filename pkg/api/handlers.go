package api

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ngnpope/mellon/pkg/federation"
	"github.com/ngnpope/mellon/pkg/observability"
	"github.com/ngnpope/mellon/pkg/sessions"
)

// login handles GET /sso/login. It redirects the browser to the IdP's single
// sign-on endpoint. The IdP is chosen by the ?idp= entity ID; when only one
// provider is registered it is used without the parameter.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	entityID := r.URL.Query().Get("idp")
	if entityID == "" {
		registered := s.registry.List()
		if len(registered) != 1 {
			writeError(w, http.StatusBadRequest, "idp parameter is required")
			return
		}
		entityID = registered[0].EntityID
	}

	provider, err := s.registry.Provider(entityID)
	if err != nil {
		logger.WithError(err).Warnf("login requested for unknown identity provider %q", entityID)
		writeError(w, http.StatusNotFound, "unknown identity provider")
		return
	}

	relayState := r.URL.Query().Get("next")
	authURL, err := provider.BuildAuthURL(relayState)
	if err != nil {
		logger.WithError(err).Error("failed to build authentication request")
		writeError(w, http.StatusInternalServerError, "failed to build authentication request")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// assertionConsumer handles POST /sso/acs, the assertion consumer service.
// The posted SAMLResponse is validated by the issuer's provider, resolved to
// a local user, and turned into a session cookie.
func (s *Server) assertionConsumer(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	samlResponse := r.PostFormValue("SAMLResponse")
	if samlResponse == "" {
		writeError(w, http.StatusBadRequest, "missing SAMLResponse")
		return
	}

	issuer, err := peekIssuer(samlResponse)
	if err != nil {
		s.countRejected("unparseable")
		logger.WithError(err).Warn("could not extract issuer from SAML response")
		writeError(w, http.StatusBadRequest, "malformed SAML response")
		return
	}

	provider, err := s.registry.Provider(issuer)
	if err != nil {
		s.countRejected("unknown_issuer")
		logger.WithField("issuer", issuer).Warn("SAML response from unregistered issuer")
		writeError(w, http.StatusForbidden, "unknown identity provider")
		return
	}

	bag, err := provider.ParseResponse(samlResponse)
	if err != nil {
		s.countRejected("invalid_assertion")
		logger.WithError(err).WithField("issuer", issuer).Warn("rejected SAML assertion")
		writeError(w, http.StatusForbidden, "invalid SAML assertion")
		return
	}

	user, err := s.broker.ResolveAndAuthenticate(r.Context(), provider.Settings(), bag)
	if err != nil {
		logger.WithError(err).WithField("issuer", issuer).Error("identity resolution failed")
		writeError(w, http.StatusInternalServerError, "identity resolution failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusForbidden, "login refused")
		return
	}

	session := &sessions.Session{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		Issuer:       issuer,
		NameID:       bag.NameID(),
		SessionIndex: bag.SessionIndex(),
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    sessionExpiry(bag),
	}
	if err := s.sessions.Save(r.Context(), session); err != nil {
		logger.WithError(err).Error("failed to persist session")
		writeError(w, http.StatusInternalServerError, "failed to persist session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	logger.WithFields(map[string]interface{}{
		"issuer":   issuer,
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("login succeeded")

	next := r.PostFormValue("RelayState")
	if !safeRedirect(next) {
		next = "/"
	}
	http.Redirect(w, r, next, http.StatusFound)
}

// logout handles GET /sso/logout: the local session is removed and, when the
// IdP advertises a single logout endpoint, the browser is sent there so the
// IdP session ends too.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	session, err := s.sessions.Get(r.Context(), cookie.Value)
	if errors.Is(err, sessions.ErrNotFound) {
		s.clearSessionCookie(w)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	} else if err != nil {
		logger.WithError(err).Error("failed to load session")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	if err := s.sessions.Delete(r.Context(), session.ID); err != nil {
		logger.WithError(err).Error("failed to delete session")
	}
	s.clearSessionCookie(w)

	provider, err := s.registry.Provider(session.Issuer)
	if err == nil {
		logoutURL, err := provider.LogoutURL(session.NameID, session.SessionIndex)
		if err != nil {
			logger.WithError(err).Warn("failed to build logout request")
		} else if logoutURL != "" {
			http.Redirect(w, r, logoutURL, http.StatusFound)
			return
		}
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// singleLogout handles IdP-initiated logout on /sso/slo. The LogoutRequest
// names the session indexes issued at login; after it validates against the
// issuer's provider, the matching sessions are dropped.
func (s *Server) singleLogout(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	message := r.URL.Query().Get("SAMLRequest")
	if message == "" {
		r.ParseForm()
		message = r.PostFormValue("SAMLRequest")
	}
	if message == "" {
		writeError(w, http.StatusBadRequest, "missing SAMLRequest")
		return
	}

	request, err := decodeLogoutRequest(message)
	if err != nil {
		logger.WithError(err).Warn("malformed logout request")
		writeError(w, http.StatusBadRequest, "malformed logout request")
		return
	}

	provider, err := s.registry.Provider(request.Issuer)
	if err != nil {
		s.countRejected("unknown_issuer")
		logger.WithField("issuer", request.Issuer).Warn("logout request from unregistered issuer")
		writeError(w, http.StatusForbidden, "unknown identity provider")
		return
	}
	if _, err := provider.ValidateLogoutRequest(message); err != nil {
		s.countRejected("invalid_logout_request")
		logger.WithError(err).WithField("issuer", request.Issuer).Warn("rejected logout request")
		writeError(w, http.StatusForbidden, "invalid logout request")
		return
	}

	removed := 0
	for _, index := range request.SessionIndexes {
		session, err := s.sessions.GetBySessionIndex(r.Context(), index)
		if errors.Is(err, sessions.ErrNotFound) {
			continue
		} else if err != nil {
			logger.WithError(err).Error("failed to resolve session index")
			continue
		}
		if err := s.sessions.Delete(r.Context(), session.ID); err != nil {
			logger.WithError(err).Error("failed to delete session")
			continue
		}
		removed++
	}
	logger.WithFields(map[string]interface{}{
		"issuer":  request.Issuer,
		"removed": removed,
	}).Info("processed single logout request")
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions_removed": removed})
}

// metadata handles GET /sso/metadata, serving the SP metadata document IdPs
// register against.
func (s *Server) metadata(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	registered := s.registry.List()
	if len(registered) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no identity providers configured")
		return
	}
	provider, err := s.registry.Provider(registered[0].EntityID)
	if err != nil {
		logger.WithError(err).Error("failed to build service provider")
		writeError(w, http.StatusInternalServerError, "failed to build metadata")
		return
	}
	doc, err := provider.Metadata()
	if err != nil {
		logger.WithError(err).Error("failed to generate metadata")
		writeError(w, http.StatusInternalServerError, "failed to generate metadata")
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(doc)
}

// currentSession handles GET /sso/session, reporting the logged-in identity
// behind the session cookie.
func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	session, err := s.sessions.Get(r.Context(), cookie.Value)
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
	})
}

func (s *Server) countRejected(reason string) {
	if s.metrics != nil {
		s.metrics.AssertionsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// sessionExpiry derives the session lifetime from the assertion's
// SessionNotOnOrAfter condition when the IdP sent one.
func sessionExpiry(bag federation.AttributeBag) time.Time {
	if raw := bag.First(federation.KeySessionNotOnOrAfter); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now().UTC().Add(sessions.DefaultTTL)
}

// safeRedirect allows only same-origin relative targets for RelayState.
func safeRedirect(target string) bool {
	if target == "" || target[0] != '/' {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Host == "" && u.Scheme == ""
}

// samlResponseEnvelope is the minimal shape needed to route a response to
// its provider before full validation.
type samlResponseEnvelope struct {
	XMLName xml.Name `xml:"Response"`
	Issuer  string   `xml:"Issuer"`
}

// peekIssuer extracts the issuer entity ID from a base64 SAMLResponse without
// validating it. Validation happens in the provider chosen by this issuer.
func peekIssuer(samlResponse string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	envelope := &samlResponseEnvelope{}
	if err := xml.Unmarshal(raw, envelope); err != nil {
		return "", fmt.Errorf("invalid response document: %w", err)
	}
	if envelope.Issuer == "" {
		return "", fmt.Errorf("response carries no issuer")
	}
	return envelope.Issuer, nil
}

// logoutRequest is the subset of a SAML LogoutRequest the SLO endpoint needs
// before validation: the issuer routes the request to its provider, and the
// session indexes are not part of gosaml2's decoded request.
type logoutRequest struct {
	XMLName        xml.Name `xml:"LogoutRequest"`
	Issuer         string   `xml:"Issuer"`
	NameID         string   `xml:"NameID"`
	SessionIndexes []string `xml:"SessionIndex"`
}

// decodeLogoutRequest peeks into a SAMLRequest parameter. The redirect
// binding deflates the document before base64; the POST binding does not, so
// plain XML is accepted when inflation fails.
func decodeLogoutRequest(message string) (*logoutRequest, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	if inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw))); err == nil && len(inflated) > 0 {
		raw = inflated
	}
	request := &logoutRequest{}
	if err := xml.Unmarshal(raw, request); err != nil {
		return nil, fmt.Errorf("invalid logout request document: %w", err)
	}
	return request, nil
}
