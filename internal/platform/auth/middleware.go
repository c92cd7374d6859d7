package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	defaultOperatorHeader = "X-Operator-Id"
	defaultEmailHeader    = "X-Operator-Email"
	defaultRolesHeader    = "X-Operator-Roles"
	defaultFallbackRole   = RoleOperator
)

// Authenticator extracts the operator identity asserted by the fronting
// gateway. The gateway strips these headers from external traffic, so a
// populated header is proof the gateway verified the session.
type Authenticator struct {
	operatorHeader string
	emailHeader    string
	rolesHeader    string
	fallbackRole   string
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithOperatorHeader overrides the header carrying the verified operator id.
func WithOperatorHeader(header string) Option {
	return func(a *Authenticator) {
		header = strings.TrimSpace(header)
		if header != "" {
			a.operatorHeader = header
		}
	}
}

// WithEmailHeader overrides the header carrying the operator's email.
func WithEmailHeader(header string) Option {
	return func(a *Authenticator) {
		header = strings.TrimSpace(header)
		if header != "" {
			a.emailHeader = header
		}
	}
}

// WithRolesHeader overrides the header carrying the comma-separated role list.
func WithRolesHeader(header string) Option {
	return func(a *Authenticator) {
		header = strings.TrimSpace(header)
		if header != "" {
			a.rolesHeader = header
		}
	}
}

// WithFallbackRole sets the default role when the gateway omits the role header.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		role = normaliseRole(role)
		if role != "" {
			a.fallbackRole = role
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		operatorHeader: defaultOperatorHeader,
		emailHeader:    defaultEmailHeader,
		rolesHeader:    defaultRolesHeader,
		fallbackRole:   defaultFallbackRole,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// OperatorID returns the gateway-asserted operator id without enforcing roles.
// It is empty for storefront traffic.
func (a *Authenticator) OperatorID(r *http.Request) string {
	if a == nil || r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(a.operatorHeader))
}

// RequireOperator ensures a verified operator identity is present and holds
// one of the allowed roles before the request reaches the handler.
func (a *Authenticator) RequireOperator(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			uid := strings.TrimSpace(r.Header.Get(a.operatorHeader))
			if uid == "" {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "operator identity missing")
				return
			}

			identity := &Identity{
				UID:   uid,
				Email: strings.TrimSpace(r.Header.Get(a.emailHeader)),
				Roles: rolesFromHeader(r.Header.Get(a.rolesHeader)),
			}
			if len(identity.Roles) == 0 && a.fallbackRole != "" {
				identity.Roles = []string{a.fallbackRole}
			}

			if len(identity.Roles) == 0 {
				respondAuthError(w, http.StatusUnauthorized, "missing_role", "no roles associated with identity")
				return
			}

			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(w, http.StatusUnauthorized, "insufficient_role", "identity does not have required role")
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func rolesFromHeader(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		role := normaliseRole(part)
		if role == "" {
			continue
		}
		if _, exists := seen[role]; exists {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
