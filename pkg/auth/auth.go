// Package auth verifies bearer tokens, expands role claims into the closed
// permission set of spec.md §4.B, and enforces the worker whitelist.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/octaskly/octaskly/pkg/dispatchererr"
)

// Role is one of the four fixed principal roles.
type Role string

const (
	RoleAdmin      Role = "Admin"
	RoleDispatcher Role = "Dispatcher"
	RoleWorker     Role = "Worker"
	RoleClient     Role = "Client"
)

// Permission is one of the closed set of actions a role may be granted.
type Permission string

const (
	PermTaskCreate    Permission = "task:create"
	PermTaskList      Permission = "task:list"
	PermTaskListOwn   Permission = "task:list_own"
	PermTaskGet       Permission = "task:get"
	PermTaskGetOwn    Permission = "task:get_own"
	PermTaskCancel    Permission = "task:cancel"
	PermStatsRead     Permission = "stats:read"
	PermWorkerManage  Permission = "worker:manage"
	PermSystemShutdown Permission = "system:shutdown"
	PermWorkerRegister Permission = "worker:register"
	PermTaskResult    Permission = "task:result"
)

// rolePermissions is the closed role→permission expansion of spec.md §4.B.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermTaskCreate, PermTaskList, PermTaskGet, PermTaskCancel,
		PermStatsRead, PermWorkerManage, PermSystemShutdown,
	},
	RoleDispatcher: {
		PermTaskCreate, PermTaskList, PermTaskGet, PermTaskCancel,
		PermStatsRead, PermWorkerManage,
	},
	RoleWorker: {
		PermWorkerRegister, PermTaskResult,
	},
	RoleClient: {
		PermTaskCreate, PermTaskListOwn, PermTaskGetOwn,
	},
}

// PermissionsFor returns the permission set granted to role, or nil if role
// is unrecognized.
func PermissionsFor(role Role) []Permission {
	return rolePermissions[role]
}

// Claims is the decoded bearer-token payload: {subject, role, expires_at,
// permissions}.
type Claims struct {
	Subject     string       `json:"subject"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the claim set grants perm.
func (c *Claims) HasPermission(perm Permission) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Verifier verifies HS256-signed bearer tokens against a single symmetric
// key, per spec.md §1 ("cryptographic primitives... assumed provided") —
// this package consumes golang-jwt/v5 rather than hand-rolling HMAC.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier bound to secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue mints a signed bearer token for subject/role with the role's default
// permission set, expiring after ttl. Exposed for tests and for a future
// out-of-scope token-issuance CLI; the dispatcher itself only verifies.
func (v *Verifier) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Subject:     subject,
		Role:        role,
		Permissions: PermissionsFor(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses and validates tokenString, checking signature and
// non-expiry, and returns the decoded claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, dispatchererr.Wrap(dispatchererr.Unauthenticated, "invalid or expired token", err)
	}
	return claims, nil
}

// Authorize verifies the token and checks it carries perm, mapping failures
// onto the Unauthenticated/Forbidden kinds of §7.
func (v *Verifier) Authorize(tokenString string, perm Permission) (*Claims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.HasPermission(perm) {
		return nil, dispatchererr.New(dispatchererr.Forbidden, fmt.Sprintf("role %s lacks permission %s", claims.Role, perm))
	}
	return claims, nil
}

// Whitelist enforces the optional worker-id allowlist of spec.md §4.B. An
// empty whitelist accepts all ids.
type Whitelist struct {
	allowed map[string]bool
}

// NewWhitelist builds a Whitelist from a list of permitted worker ids. A nil
// or empty ids slice accepts every worker id.
func NewWhitelist(ids []string) *Whitelist {
	if len(ids) == 0 {
		return &Whitelist{}
	}
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	return &Whitelist{allowed: allowed}
}

// Empty reports whether the whitelist accepts every worker id.
func (w *Whitelist) Empty() bool {
	return len(w.allowed) == 0
}

// Allows reports whether workerID may register.
func (w *Whitelist) Allows(workerID string) bool {
	if w.Empty() {
		return true
	}
	return w.allowed[workerID]
}
