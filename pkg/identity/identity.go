// Package identity resolves caller credentials into actors. The core never
// derives a principal itself; every mutating operation receives an actor from
// a Resolver.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openharness/openharness/pkg/engine"
)

// Resolver turns a raw credential into an actor. Implementations must reject
// credentials they cannot positively verify.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (engine.Actor, error)
}

// FromRequest extracts a bearer credential from an HTTP request and resolves
// it. A missing or malformed Authorization header is an authentication error.
func FromRequest(ctx context.Context, r *http.Request, resolver Resolver) (engine.Actor, error) {
	token := bearerToken(r)
	if token == "" {
		return engine.Actor{}, engine.NewPermanentError("missing bearer credential", nil).
			WithCode(engine.ErrCodeUnauthenticated)
	}
	return resolver.Resolve(ctx, token)
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// StaticResolver maps fixed credentials to actors. Used in dev mode and
// tests; never in production configuration.
type StaticResolver struct {
	actors map[string]engine.Actor
}

// NewStaticResolver builds a resolver over a credential-to-actor table.
func NewStaticResolver(actors map[string]engine.Actor) *StaticResolver {
	table := make(map[string]engine.Actor, len(actors))
	for cred, actor := range actors {
		table[cred] = actor
	}
	return &StaticResolver{actors: table}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(ctx context.Context, credential string) (engine.Actor, error) {
	actor, ok := r.actors[credential]
	if !ok {
		return engine.Actor{}, engine.NewPermanentError("unknown credential", nil).
			WithCode(engine.ErrCodeUnauthenticated)
	}
	return actor, nil
}

// SubjectResolver trusts the credential as the subject itself. Only suitable
// behind a perimeter that already authenticated the caller.
type SubjectResolver struct{}

// Resolve implements Resolver.
func (SubjectResolver) Resolve(ctx context.Context, credential string) (engine.Actor, error) {
	subject := strings.TrimSpace(credential)
	if subject == "" {
		return engine.Actor{}, engine.NewPermanentError("empty subject", nil).
			WithCode(engine.ErrCodeUnauthenticated)
	}
	return engine.Actor{Subject: subject}, nil
}

func claimString(claims map[string]any, key string) string {
	v, ok := claims[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func claimRoles(claims map[string]any, key string) []string {
	v, ok := claims[key]
	if !ok {
		return nil
	}
	switch typed := v.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = normalizeRole(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s := normalizeRole(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, item := range strings.Split(typed, ",") {
			if s := normalizeRole(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func normalizeRole(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateClaimKey(name, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s claim key is required", name)
	}
	return nil
}
