// Package authtest runs an in-memory identity backend for tests. It mirrors
// the production API surface: password login and registration, rotating
// refresh tokens, bearer-authenticated identity lookup, a separate admin
// namespace and the impersonation exchange.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is a seeded account.
type User struct {
	ID        string
	Email     string
	FullName  string
	CreatedAt time.Time

	passwordHash []byte
}

// Server is the fake backend. All knobs are safe for concurrent use.
type Server struct {
	mu sync.Mutex

	secret           []byte
	accessTTL        time.Duration
	impersonationTTL time.Duration

	users         map[string]*User  // keyed by email
	usersByID     map[string]*User
	refreshTokens map[string]string // refresh token -> email
	validAccess   map[string]string // user access token -> email
	validAdmin    map[string]bool

	adminID    string
	adminEmail string
	adminHash  []byte

	refreshCalls        int
	refreshDelay        time.Duration
	failRefresh         bool
	failMe              bool
	failLogout          bool
	requireConfirmation bool

	httpServer *httptest.Server
}

// New starts a fake backend listening on a local port.
func New() *Server {
	s := &Server{
		secret:           []byte("authtest-secret"),
		accessTTL:        time.Hour,
		impersonationTTL: 2 * time.Hour,
		users:            map[string]*User{},
		usersByID:        map[string]*User{},
		refreshTokens:    map[string]string{},
		validAccess:      map[string]string{},
		validAdmin:       map[string]bool{},
	}
	s.httpServer = httptest.NewServer(s.handler())
	return s
}

// URL is the backend base URL.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts the backend down.
func (s *Server) Close() { s.httpServer.Close() }

// SeedUser registers an account directly, bypassing the HTTP API.
func (s *Server) SeedUser(email, password, fullName string) *User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     fullName,
		CreatedAt:    time.Now().UTC(),
		passwordHash: hash,
	}
	s.mu.Lock()
	s.users[email] = u
	s.usersByID[u.ID] = u
	s.mu.Unlock()
	return u
}

// SeedAdmin installs the administrator account.
func (s *Server) SeedAdmin(email, password string) string {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	s.mu.Lock()
	s.adminID = uuid.NewString()
	s.adminEmail = email
	s.adminHash = hash
	id := s.adminID
	s.mu.Unlock()
	return id
}

// RefreshCalls reports how many times /auth/refresh was hit.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// SetFailRefresh makes /auth/refresh reject every token.
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// SetFailMe makes /auth/me reject every bearer token.
func (s *Server) SetFailMe(fail bool) {
	s.mu.Lock()
	s.failMe = fail
	s.mu.Unlock()
}

// SetRefreshDelay stalls /auth/refresh before it responds, widening the
// window in which concurrent refreshers overlap.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// SetFailLogout makes /auth/logout return a server error.
func (s *Server) SetFailLogout(fail bool) {
	s.mu.Lock()
	s.failLogout = fail
	s.mu.Unlock()
}

// SetRequireConfirmation makes registration succeed without issuing tokens,
// as the backend does for accounts pending email confirmation.
func (s *Server) SetRequireConfirmation(v bool) {
	s.mu.Lock()
	s.requireConfirmation = v
	s.mu.Unlock()
}

// SetImpersonationTTL overrides the impersonation window (default 2h).
func (s *Server) SetImpersonationTTL(d time.Duration) {
	s.mu.Lock()
	s.impersonationTTL = d
	s.mu.Unlock()
}

// InvalidateAccessTokens revokes every outstanding user access token, forcing
// the next bearer call to 401 while refresh tokens stay valid.
func (s *Server) InvalidateAccessTokens() {
	s.mu.Lock()
	s.validAccess = map[string]string{}
	s.mu.Unlock()
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /auth/me", s.handleMe)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/password/reset", s.handlePasswordReset)
	mux.HandleFunc("POST /admin/login", s.handleAdminLogin)
	mux.HandleFunc("POST /admin/logout", s.handleAdminLogout)
	mux.HandleFunc("POST /admin/users/{id}/impersonate", s.handleImpersonate)
	return mux
}

type sessionJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

type userJSON struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) mintToken(subject, email, role string, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"role":  role,
		"exp":   time.Now().Add(ttl).Unix(),
		// Second-granularity exp alone can collide when two tokens are
		// minted within the same second; jti keeps every token unique.
		"jti": uuid.NewString(),
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return signed
}

// issueSession mints and registers a token pair for u. Caller holds s.mu.
func (s *Server) issueSession(u *User) sessionJSON {
	access := s.mintToken(u.ID, u.Email, "user", s.accessTTL)
	refresh := uuid.NewString()
	s.validAccess[access] = u.Email
	s.refreshTokens[refresh] = u.Email
	now := time.Now()
	return sessionJSON{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL / time.Second),
		ExpiresAt:    now.Add(s.accessTTL).Unix(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[req.Email]; exists {
		writeError(w, http.StatusBadRequest, "User already registered")
		return
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	u := &User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		FullName:     req.FullName,
		CreatedAt:    time.Now().UTC(),
		passwordHash: hash,
	}
	s.users[u.Email] = u
	s.usersByID[u.ID] = u

	session := sessionJSON{TokenType: "bearer"}
	if !s.requireConfirmation {
		session = s.issueSession(u)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    toUserJSON(u),
		"session": session,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[req.Email]
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":    toUserJSON(u),
		"session": s.issueSession(u),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshCalls++
	if s.failRefresh {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	email, ok := s.refreshTokens[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	delete(s.refreshTokens, req.RefreshToken) // single-use rotation

	writeJSON(w, http.StatusOK, s.issueSession(s.users[email]))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.validAccess[bearerToken(r)]
	if !ok || s.failMe {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	writeJSON(w, http.StatusOK, toUserJSON(s.users[email]))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failLogout {
		writeError(w, http.StatusInternalServerError, "logout unavailable")
		return
	}
	delete(s.validAccess, bearerToken(r))
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Unknown addresses 404 here; the client must hide the distinction.
	if _, ok := s.users[req.Email]; !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "reset email sent"})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Email != s.adminEmail || s.adminHash == nil ||
		bcrypt.CompareHashAndPassword(s.adminHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid admin credentials")
		return
	}

	tok := s.mintToken(s.adminID, s.adminEmail, "admin", 30*time.Minute)
	s.validAdmin[tok] = true
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "bearer",
		"admin_id":     s.adminID,
		"email":        s.adminEmail,
		"last_login":   time.Now().UTC(),
	})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok := bearerToken(r)
	if !s.validAdmin[tok] {
		writeError(w, http.StatusUnauthorized, "Missing authentication token")
		return
	}
	delete(s.validAdmin, tok)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (s *Server) handleImpersonate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adminTok := bearerToken(r)
	if !s.validAdmin[adminTok] {
		writeError(w, http.StatusUnauthorized, "Missing authentication token")
		return
	}

	u, ok := s.usersByID[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	access := s.mintToken(u.ID, u.Email, "user", s.impersonationTTL)
	s.validAccess[access] = u.Email
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "bearer",
		"user_id":      u.ID,
		"user_email":   u.Email,
		"admin_token":  adminTok,
		"session_id":   uuid.NewString(),
		"expires_at":   time.Now().Add(s.impersonationTTL).Unix(),
	})
}

func toUserJSON(u *User) userJSON {
	return userJSON{ID: u.ID, Email: u.Email, FullName: u.FullName, CreatedAt: u.CreatedAt}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
