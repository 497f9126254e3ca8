package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/openharness/openharness/pkg/engine"
)

// OIDCConfig configures the OIDC resolver.
type OIDCConfig struct {
	// IssuerURL is the OIDC issuer; discovery runs against it at startup.
	IssuerURL string `yaml:"issuer_url" validate:"required,url"`

	// ClientID is the audience expected in verified tokens.
	ClientID string `yaml:"client_id" validate:"required"`

	// EmailClaim names the claim carrying the actor email.
	EmailClaim string `yaml:"email_claim"`

	// RolesClaim names the claim carrying the actor roles.
	RolesClaim string `yaml:"roles_claim"`
}

// Validate checks the configuration and fills claim-key defaults.
func (c *OIDCConfig) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.EmailClaim == "" {
		c.EmailClaim = "email"
	}
	if c.RolesClaim == "" {
		c.RolesClaim = "roles"
	}
	if err := validateClaimKey("email", c.EmailClaim); err != nil {
		return err
	}
	return validateClaimKey("roles", c.RolesClaim)
}

// OIDCResolver verifies bearer ID tokens against a configured issuer and
// maps their claims to actors.
type OIDCResolver struct {
	cfg      OIDCConfig
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	endpoint oauth2.Endpoint
	logger   zerolog.Logger
}

// NewOIDCResolver discovers the issuer and prepares a token verifier.
func NewOIDCResolver(ctx context.Context, cfg OIDCConfig, logger zerolog.Logger) (*OIDCResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oidc config: %w", err)
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc issuer: %w", err)
	}

	return &OIDCResolver{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		endpoint: provider.Endpoint(),
		logger:   logger.With().Str("component", "identity-oidc").Logger(),
	}, nil
}

// Resolve implements Resolver. The credential is a raw OIDC ID token.
func (r *OIDCResolver) Resolve(ctx context.Context, credential string) (engine.Actor, error) {
	idToken, err := r.verifier.Verify(ctx, credential)
	if err != nil {
		return engine.Actor{}, engine.NewPermanentError("token verification failed", err).
			WithCode(engine.ErrCodeUnauthenticated)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return engine.Actor{}, engine.NewPermanentError("failed to decode token claims", err).
			WithCode(engine.ErrCodeUnauthenticated)
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return engine.Actor{}, engine.NewPermanentError("token carries no subject", nil).
			WithCode(engine.ErrCodeUnauthenticated)
	}

	actor := engine.Actor{
		Subject: subject,
		Email:   claimString(claims, r.cfg.EmailClaim),
		Roles:   claimRoles(claims, r.cfg.RolesClaim),
	}
	r.logger.Debug().Str("subject", actor.Subject).Msg("Credential resolved")
	return actor, nil
}

// AuthorizationEndpoint exposes the discovered endpoint for callers that
// drive an interactive login flow.
func (r *OIDCResolver) AuthorizationEndpoint() oauth2.Endpoint {
	return r.endpoint
}
