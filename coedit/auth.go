package coedit

import (
	"context"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
)

// Actor is the authenticated principal behind a session.
type Actor struct {
	UserId Id
	Name   string
	// document ids the credential grants, "*" for all
	Docs []string
}

type AccessDecision struct {
	Allowed      bool
	Reason       string
	Capabilities mapset.Set[Capability]
}

func Allowed(capabilities ...Capability) *AccessDecision {
	return &AccessDecision{
		Allowed:      true,
		Capabilities: mapset.NewSet[Capability](capabilities...),
	}
}

func Denied(reason string) *AccessDecision {
	return &AccessDecision{
		Reason:       reason,
		Capabilities: mapset.NewSet[Capability](),
	}
}

func (self *AccessDecision) Can(capability Capability) bool {
	return self.Allowed && self.Capabilities.Contains(capability)
}

// Identity verifies a credential into an actor.
type Identity interface {
	Verify(ctx context.Context, token string) (*Actor, error)
}

// AccessGate authorizes (actor, document, capability). Implementations may
// cross a process boundary, so every call takes a context and can fail.
type AccessGate interface {
	Check(ctx context.Context, actor *Actor, documentId DocumentId, capability Capability) (*AccessDecision, error)
}

// JwtIdentity verifies HMAC-signed tokens minted by MintToken.
type JwtIdentity struct {
	secret []byte
}

func NewJwtIdentity(secret []byte) *JwtIdentity {
	return &JwtIdentity{
		secret: secret,
	}
}

func (self *JwtIdentity) Verify(ctx context.Context, token string) (*Actor, error) {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return self.secret, nil
		},
	)
	if err != nil {
		return nil, &AuthDeniedError{Reason: err.Error()}
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, &AuthDeniedError{Reason: "bad claims"}
	}

	actor := &Actor{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			actor.UserId = userId
		}
	}
	if actor.UserId == (Id{}) {
		return nil, &AuthDeniedError{Reason: "missing user_id"}
	}
	if name, ok := claims["name"].(string); ok {
		actor.Name = name
	}
	if docs, ok := claims["docs"].([]any); ok {
		for _, doc := range docs {
			if docStr, ok := doc.(string); ok {
				actor.Docs = append(actor.Docs, docStr)
			}
		}
	}

	return actor, nil
}

// MintToken signs a credential for an actor. Used by the server token command
// and by tests.
func MintToken(secret []byte, actor *Actor, expire time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"user_id": actor.UserId.String(),
		"name":    actor.Name,
	}
	if actor.Docs != nil {
		docs := []any{}
		for _, doc := range actor.Docs {
			docs = append(docs, doc)
		}
		claims["docs"] = docs
	}
	if 0 < expire {
		claims["exp"] = time.Now().Add(expire).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ClaimsAccessGate authorizes against the document grants carried in the
// verified credential.
type ClaimsAccessGate struct {
}

func NewClaimsAccessGate() *ClaimsAccessGate {
	return &ClaimsAccessGate{}
}

func (self *ClaimsAccessGate) Check(ctx context.Context, actor *Actor, documentId DocumentId, capability Capability) (*AccessDecision, error) {
	if slices.Contains(actor.Docs, "*") || slices.Contains(actor.Docs, string(documentId)) {
		return Allowed(CapabilityRead, CapabilityWrite), nil
	}
	return Denied(fmt.Sprintf("no grant for document %s", documentId)), nil
}

// AllowAllAccessGate grants everything. Development and tests only.
type AllowAllAccessGate struct {
}

func NewAllowAllAccessGate() *AllowAllAccessGate {
	return &AllowAllAccessGate{}
}

func (self *AllowAllAccessGate) Check(ctx context.Context, actor *Actor, documentId DocumentId, capability Capability) (*AccessDecision, error) {
	return Allowed(CapabilityRead, CapabilityWrite), nil
}

type GateTimeoutSettings struct {
	CheckTimeout time.Duration
}

func DefaultGateTimeoutSettings() *GateTimeoutSettings {
	return &GateTimeoutSettings{
		CheckTimeout: 5 * time.Second,
	}
}

// TimeoutAccessGate bounds every check. Gates that cross a network boundary
// must never be trusted to return promptly.
type TimeoutAccessGate struct {
	gate     AccessGate
	settings *GateTimeoutSettings
}

func NewTimeoutAccessGateWithDefaults(gate AccessGate) *TimeoutAccessGate {
	return NewTimeoutAccessGate(gate, DefaultGateTimeoutSettings())
}

func NewTimeoutAccessGate(gate AccessGate, settings *GateTimeoutSettings) *TimeoutAccessGate {
	return &TimeoutAccessGate{
		gate:     gate,
		settings: settings,
	}
}

func (self *TimeoutAccessGate) Check(ctx context.Context, actor *Actor, documentId DocumentId, capability Capability) (*AccessDecision, error) {
	checkCtx, cancel := context.WithTimeout(ctx, self.settings.CheckTimeout)
	defer cancel()
	return self.gate.Check(checkCtx, actor, documentId, capability)
}
