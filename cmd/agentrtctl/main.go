// Command agentrtctl is a small CLI against agentrtd's admin HTTP surface —
// register/deregister/list agents and log in for a bearer token — the way
// the teacher's cmd/seed is a small CLI against its database directly.
// agentrtctl talks over HTTP instead, since the admin surface spec.md
// describes is a remote management API, not an in-process one.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var base, token string

	root := &cobra.Command{
		Use:   "agentrtctl",
		Short: "agentrtctl — manage a running agentrtd's instantiation table over HTTP",
	}
	root.PersistentFlags().StringVar(&base, "base", "http://127.0.0.1:8080", "agentrtd's advertised base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("AGENTRTCTL_TOKEN"), "admin bearer token (default: $AGENTRTCTL_TOKEN)")

	root.AddCommand(newLoginCmd(&base))
	root.AddCommand(newRegisterCmd(&base, &token))
	root.AddCommand(newDeregisterCmd(&base, &token))
	root.AddCommand(newListCmd(&base, &token))

	return root
}

func newLoginCmd(base *string) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "exchange an email/password for an admin access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"email": email, "password": password})
			if err != nil {
				return err
			}
			var out struct {
				AccessToken string `json:"access_token"`
			}
			if err := doRequest(http.MethodPost, *base+"/admin/auth/login", "", body, &out); err != nil {
				return err
			}
			fmt.Println(out.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	return cmd
}

func newRegisterCmd(base, token *string) *cobra.Command {
	var key, class, paramsJSON, authorizorJSON string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "register a new InstantiationEntry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if paramsJSON == "" {
				paramsJSON = "{}"
			}
			fields := map[string]json.RawMessage{
				"key":       mustJSON(key),
				"className": mustJSON(class),
				"params":    json.RawMessage(paramsJSON),
			}
			if authorizorJSON != "" {
				fields["authorizor"] = json.RawMessage(authorizorJSON)
			}
			body, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			return doRequest(http.MethodPost, *base+"/admin/agents", *token, body, nil)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "agent id to register (required)")
	cmd.Flags().StringVar(&class, "class", "", "registered class name (required)")
	cmd.Flags().StringVar(&paramsJSON, "params", "{}", "JSON-encoded constructor params")
	cmd.Flags().StringVar(&authorizorJSON, "authorizor", "", "JSON-encoded []authz.Rule for this agent's own policy (default: none, falls back to the daemon's default authorizor)")
	return cmd
}

func newDeregisterCmd(base, token *string) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "deregister",
		Short: "remove an InstantiationEntry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(http.MethodDelete, fmt.Sprintf("%s/admin/agents/%s", *base, key), *token, nil, nil)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "agent id to remove (required)")
	return cmd
}

func newListCmd(base, token *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every registered agent id",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Agents []string `json:"agents"`
			}
			if err := doRequest(http.MethodGet, *base+"/admin/agents", *token, nil, &out); err != nil {
				return err
			}
			for _, id := range out.Agents {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func doRequest(method, url, token string, body []byte, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agentrtd returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
