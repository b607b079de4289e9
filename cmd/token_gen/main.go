// token_gen mints access tokens for local development and operations.
// There is no interactive login flow; operators issue tokens out of band.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/technosupport/ts-frs/internal/tokens"
)

func main() {
	userID := flag.String("user", "00000000-0000-0000-0000-000000000002", "User UUID claim")
	tenantID := flag.String("tenant", "00000000-0000-0000-0000-000000000001", "Tenant UUID claim")
	role := flag.String("role", "viewer", "Role claim: viewer, operator or admin")
	refresh := flag.Bool("refresh", false, "Mint a refresh token instead of an access token")
	flag.Parse()

	switch *role {
	case "viewer", "operator", "admin":
	default:
		log.Fatalf("Unknown role %q", *role)
	}

	key := os.Getenv("JWT_SECRET")
	if key == "" {
		key = "dev-secret-do-not-use-in-prod"
	}
	mgr := tokens.NewManager(key)

	var (
		token string
		err   error
	)
	if *refresh {
		token, err = mgr.GenerateRefreshToken(*userID, *tenantID, *role)
	} else {
		token, err = mgr.GenerateAccessToken(*userID, *tenantID, *role)
	}
	if err != nil {
		log.Fatalf("Token generation failed: %v", err)
	}
	fmt.Println(token)
}
