package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/tallybridge/tallysync/internal/store"
)

var agentTokenCmd = &cobra.Command{
	Use:   "agent-token <company-id> <agent-id>",
	Short: "Enroll a desktop agent by storing its token hash",
	Long: `Agent-token stores the bcrypt hash of a bearer token for one agent.
Without --generate the token is read from a hidden prompt. Only the hash
is persisted; the token itself is shown once and never recoverable.`,
	Args: cobra.ExactArgs(2),
	RunE: runAgentToken,
}

var generateToken bool

func init() {
	rootCmd.AddCommand(agentTokenCmd)

	agentTokenCmd.Flags().BoolVar(&generateToken, "generate", false,
		"Generate a random token instead of prompting")
}

func runAgentToken(cmd *cobra.Command, args []string) error {
	companyID, agentID := args[0], args[1]

	var token string
	if generateToken {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		token = base64.RawURLEncoding.EncodeToString(raw)
	} else {
		var err error
		token, err = promptSecret(fmt.Sprintf("Token for %s/%s: ", companyID, agentID))
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if token == "" {
			return fmt.Errorf("token must not be empty")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(cfg.Store.Path(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.RegisterAgentToken(cmd.Context(), companyID, agentID, string(hash)); err != nil {
		return fmt.Errorf("store token: %w", err)
	}

	if generateToken {
		if jsonOutput {
			printJSON(map[string]string{
				"company_id": companyID,
				"agent_id":   agentID,
				"token":      token,
			})
		} else {
			printSuccess("Agent enrolled: %s/%s", companyID, agentID)
			printInfo("Token (save it now, it is not stored): %s", token)
		}
		return nil
	}

	printSuccess("Agent enrolled: %s/%s", companyID, agentID)
	return nil
}
