package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentscm/pkg/api"
	"github.com/Mindburn-Labs/agentscm/pkg/config"
)

// runToken issues a bearer token signed with AGENTSCM_JWT_SECRET.
func runToken(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	subject := cmd.String("subject", "", "Token subject (REQUIRED)")
	ttl := cmd.Duration("ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	if cfg.JWTSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: AGENTSCM_JWT_SECRET is not set")
		return 1
	}

	now := time.Now()
	g := api.NewGuard("", cfg.JWTSecret, cfg.JWTIssuer)
	token, err := g.IssueToken(api.Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   *subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	}})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
