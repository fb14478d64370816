// Package authz runs every protected request through a fixed, ordered chain of
// authorization stages before it reaches a handler.
package authz

import (
	"context"
	"net/url"

	"marketplace-auth/internal/models"
	"marketplace-auth/internal/service"
)

// Verification lists the account flags a route requires
type Verification uint8

const (
	// VerifyContact requires a verified phone or email
	VerifyContact Verification = 1 << iota
	// VerifyIdentity requires an approved identity (KYC) review
	VerifyIdentity
)

// Policy is declared once per route and never changes after router construction
type Policy struct {
	Action   string
	Resource string
	// Roles limits the route to these live roles; empty allows any authenticated role
	Roles        []models.Role
	Verification Verification
	// Ownership loads the resource named by OwnerParam (default "id") and requires the
	// caller to own it unless the caller is an admin
	Ownership  bool
	OwnerParam string
	// BodyOwnerField names a JSON body field that, when present, must equal the caller id
	BodyOwnerField string
	// DevKey authenticates with the operator x-dev-key header instead of a bearer token
	DevKey bool
}

func (p Policy) ownerParam() string {
	if p.OwnerParam == "" {
		return "id"
	}
	return p.OwnerParam
}

// Request is the value threaded through the stages. A stage never mutates the
// Request it receives; it returns a new one.
type Request struct {
	Method    string
	Path      string
	IP        string
	RequestID string
	UserAgent string

	Token  string
	DevKey string

	Params       map[string]string
	Query        url.Values
	Body         []byte
	BodyTooLarge bool

	Claims   *service.Claims
	User     *models.User
	Operator bool

	ResourceID    string
	ResourceOwner string
}

// ActorID is the audited identity of the caller
func (r Request) ActorID() string {
	switch {
	case r.User != nil:
		return r.User.UserID
	case r.Claims != nil:
		return r.Claims.Subject
	case r.Operator:
		return "operator"
	}
	return ""
}

func (r Request) actorRole() models.Role {
	if r.User != nil {
		return r.User.Role
	}
	return ""
}

func (r Request) isAdmin() bool {
	return r.User != nil && r.User.Role == models.RoleAdmin
}

type requestKey struct{}

// WithRequest stores the authorized request for handlers
func WithRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// FromContext returns the request that passed the pipeline
func FromContext(ctx context.Context) (Request, bool) {
	req, ok := ctx.Value(requestKey{}).(Request)
	return req, ok
}

// Caller returns the authenticated user, or nil for operator and unguarded requests
func Caller(ctx context.Context) *models.User {
	req, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	return req.User
}
