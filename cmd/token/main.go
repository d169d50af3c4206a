// Command token issues bearer tokens signed with the configured secret.
//
//	token -config arbiter.yaml -account alice -role dispute_admin
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"arbiterflow/auth"
	"arbiterflow/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARBITER_CONFIG"), "path to a YAML config file")
	account := flag.String("account", "", "account the token is issued to")
	role := flag.String("role", string(auth.RoleParticipant), "participant or dispute_admin")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	r, err := auth.ParseRole(*role)
	if err != nil {
		log.Fatalf("%v", err)
	}
	token, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).IssueToken(*account, r)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
