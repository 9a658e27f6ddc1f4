package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/veritrail/core/pkg/config"
	"github.com/veritrail/core/pkg/identity"
)

// runTokenCmd issues an actor token signed with the configured master
// secret. Intended for development and operator tooling.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		actor  string
		tenant string
		scopes string
		ttl    time.Duration
	)

	cmd.StringVar(&actor, "actor", "", "Actor name (REQUIRED)")
	cmd.StringVar(&tenant, "tenant", "default", "Tenant the actor belongs to")
	cmd.StringVar(&scopes, "scopes", "units:write,escrows:write", "Comma-separated scopes")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if actor == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --actor is required")
		return 2
	}

	cfg := config.Load()
	provider := identity.NewProvider([]byte(cfg.MasterSecret))
	token, err := provider.IssueActorToken(identity.Actor{
		Name:   actor,
		Tenant: tenant,
		Scopes: strings.Split(scopes, ","),
	}, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: issue token: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, token)
	return 0
}
