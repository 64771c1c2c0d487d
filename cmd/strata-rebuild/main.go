// Command strata-rebuild asks a query service to rebuild its searchable
// cache from the admin's authoritative store. Run it after subscriber
// downtime long enough to have dropped lifecycle events.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/client"
)

var (
	queryURL     string
	adminURL     string
	clientID     string
	clientSecret string
	timeout      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata-rebuild",
	Short: "Rebuild a query service's cache from the authoritative store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		tokens := client.NewTokenSource(adminURL, clientID, clientSecret)
		token, err := tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, queryURL+"/internal/rebuild", bytes.NewReader(nil))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("rebuild returned %d: %s", resp.StatusCode, body)
		}

		var result struct {
			Files int `json:"files"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}
		fmt.Printf("cache rebuilt with %d files\n", result.Files)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&queryURL, "query-url", "http://localhost:8084", "query service base URL")
	rootCmd.Flags().StringVar(&adminURL, "admin-url", "http://localhost:8081", "admin service base URL")
	rootCmd.Flags().StringVar(&clientID, "client-id", "", "service account client ID")
	rootCmd.Flags().StringVar(&clientSecret, "client-secret", "", "service account client secret")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall timeout")
	rootCmd.MarkFlagRequired("client-id")
	rootCmd.MarkFlagRequired("client-secret")
}
