// Package main は管理CLIツールのエントリポイント。
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

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "reefctl",
		Short: "Secure Reef admin CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("REEFCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Admin API endpoint URL (or set REEFCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reefctl version %s\n", version)
		},
	}
}

// peersCmd はピア管理のサブコマンド群。
func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage trusted peers",
	}
	cmd.AddCommand(peersListCmd())
	cmd.AddCommand(peersRegisterCmd())
	cmd.AddCommand(peersRevokeCmd())
	return cmd
}

// peersListCmd は信頼済みピアの一覧を表示する。
func peersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodGet, "/v1/peers", nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Peers []struct {
					AgentID      string `json:"agent_id"`
					Status       string `json:"status"`
					RegisteredAt string `json:"registered_at"`
				} `json:"peers"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			for _, p := range result.Peers {
				fmt.Printf("%s\t%s\t%s\n", p.AgentID, p.Status, p.RegisteredAt)
			}
			return nil
		},
	}
}

// peersRegisterCmd はピアの公開鍵を登録する。
func peersRegisterCmd() *cobra.Command {
	var agentID, encKey, signKey string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a peer's public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{
				"agent_id":              agentID,
				"encryption_public_key": encKey,
				"signing_public_key":    signKey,
			}
			payload, err := json.Marshal(req)
			if err != nil {
				return err
			}
			body, err := doRequest(http.MethodPost, "/v1/peers", payload, http.StatusCreated)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
			} else {
				fmt.Printf("Registered peer %q\n", agentID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID (required)")
	cmd.Flags().StringVar(&encKey, "encryption-key", "", "Base64 encryption public key (required)")
	cmd.Flags().StringVar(&signKey, "signing-key", "", "Base64 signing public key (required)")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("encryption-key")
	cmd.MarkFlagRequired("signing-key")
	return cmd
}

// peersRevokeCmd はピアを失効させる。
func peersRevokeCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := doRequest(http.MethodDelete, "/v1/peers/"+agentID, nil, http.StatusNoContent)
			if err != nil {
				return err
			}
			fmt.Printf("Revoked peer %q\n", agentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

// identityCmd は自エージェントの公開鍵を表示する。
func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show this agent's public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodGet, "/v1/identity", nil, http.StatusOK)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

// rotateCmd は鍵ローテーションを実行する。
func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate this agent's key pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodPost, "/v1/identity/rotate", nil, http.StatusOK, http.StatusMultiStatus)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result map[string]any
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Rotated keys (generation: %.0f)\n", result["generation"])
			return nil
		},
	}
}

// doRequest は管理APIへリクエストを送り、期待ステータス以外をエラーにする。
func doRequest(method, path string, payload []byte, expected ...int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set REEFCTL_API_URL)")
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, apiURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	for _, code := range expected {
		if resp.StatusCode == code {
			return body, nil
		}
	}
	return nil, handleErrorResponse(resp.StatusCode, body)
}

// handleErrorResponse はAPIのエラーレスポンスを整形して返す。
func handleErrorResponse(status int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		return fmt.Errorf("API error (%d %s): %s", status, errResp.Code, errResp.Message)
	}
	return fmt.Errorf("API error: status %d", status)
}
