package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/config"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/divergence"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.close()

			stats, err := rt.compaction.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newCheckCommand() *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print the consistency report of a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			validated, err := documents.NewDocumentID(documentID)
			if err != nil {
				return err
			}
			rt, err := openRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.detector.CheckConsistency(cmd.Context(), validated.String())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Document identifier")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newRepairCommand() *cobra.Command {
	var (
		documentID string
		strategy   string
	)
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair a document's flattened state from its update log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			validated, err := documents.NewDocumentID(documentID)
			if err != nil {
				return err
			}
			parsed, err := divergence.ParseStrategy(strings.TrimSpace(strategy))
			if err != nil {
				return err
			}
			rt, err := openRuntime(nil)
			if err != nil {
				return err
			}
			defer rt.close()

			repaired, err := rt.detector.AutoRepair(cmd.Context(), validated.String(), parsed)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"document_id": validated.String(),
				"strategy":    parsed,
				"repaired":    repaired,
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Document identifier")
	cmd.Flags().StringVar(&strategy, "strategy", string(divergence.StrategyPreferSource), "Repair strategy (prefer_source, no_repair)")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		name   string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for an operator or service account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, name, roles...)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expiresAt,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Roles to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
