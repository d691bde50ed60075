// issue-token mints a bearer token for an operator of the billing API.
// Tokens are signed with API_SECRET and expire after TOKEN_HOUR_LIFESPAN hours.
//
// Usage (from backend directory):
//
//	API_SECRET=... TOKEN_HOUR_LIFESPAN=8 go run ./cmd/issue-token --user-id 1 --username ops --role admin
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/timebill_backend/utils"
)

func main() {
	userID := flag.Int("user-id", 0, "Required: numeric user id")
	username := flag.String("username", "", "Required: username recorded as created_by/executed_by")
	role := flag.String("role", "operator", "Role claim")
	flag.Parse()

	if *userID <= 0 || strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "--user-id and --username are required")
		os.Exit(1)
	}

	token, err := utils.JwtGenerate(*userID, *username, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token generation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
