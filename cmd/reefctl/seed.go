package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// seedPeer はシードファイル内の1ピアを表す。
type seedPeer struct {
	AgentID             string `json:"agent_id"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	SigningPublicKey    string `json:"signing_public_key"`
}

// seedCmd はシードファイルの信頼ピアを一括登録する。
func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import trusted peers from a seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading seed file: %w", err)
			}
			var peers []seedPeer
			if err := json.Unmarshal(data, &peers); err != nil {
				return fmt.Errorf("parsing seed file: %w", err)
			}

			imported := 0
			for _, p := range peers {
				payload, err := json.Marshal(p)
				if err != nil {
					return err
				}
				if _, err := doRequest(http.MethodPost, "/v1/peers", payload, http.StatusCreated); err != nil {
					return fmt.Errorf("registering peer %q: %w", p.AgentID, err)
				}
				imported++
			}
			fmt.Printf("Imported %d peers\n", imported)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Seed file path (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}
