package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kevinmichaelchen/repo-summarizer/internal/config"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

var errMemoryBackend = errors.New("key administration needs a persistent STORE_BACKEND; the memory backend is seeded with SEED_API_KEYS")

// withStore loads config, opens the configured store and runs fn against it.
// The memory backend is refused since its contents die with the command.
func withStore(fn func(ctx context.Context, cfg *config.Config, st store.Store) error) error {
	ctx := context.Background()
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	if cfg.StoreBackend == config.BackendMemory {
		return errMemoryBackend
	}
	st, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(ctx) }()
	return fn(ctx, cfg, st)
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(keysCreateCmd(), keysListCmd(), keysGetCmd(), keysUpdateCmd(), keysDeleteCmd(), keysResetCmd())
	return cmd
}

type newKeyParams struct {
	Owner       string
	Name        string
	Description string
	Limit       int
}

// newKeyValue generates a fresh credential string.
func newKeyValue(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func createKey(ctx context.Context, st store.CredentialStore, prefix string, p newKeyParams, now time.Time) (*models.APIKey, error) {
	if p.Owner == "" {
		return nil, fmt.Errorf("--owner is required")
	}
	if p.Name == "" {
		return nil, fmt.Errorf("--name is required")
	}
	if p.Limit < 0 {
		return nil, fmt.Errorf("--limit must not be negative")
	}
	k := &models.APIKey{
		ID:        uuid.NewString(),
		OwnerID:   p.Owner,
		Name:      p.Name,
		Key:       newKeyValue(prefix),
		MaxLimit:  p.Limit,
		IsActive:  true,
		CreatedAt: now.UTC().Truncate(time.Second),
	}
	if p.Description != "" {
		d := p.Description
		k.Description = &d
	}
	if err := st.CreateAPIKey(ctx, k); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}
	return k, nil
}

func keysCreateCmd() *cobra.Command {
	var p newKeyParams

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				k, err := createKey(ctx, st, cfg.KeyPrefix, p, time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), k)
			})
		},
	}
	cmd.Flags().StringVar(&p.Owner, "owner", "", "Owning user id")
	cmd.Flags().StringVar(&p.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&p.Description, "description", "", "Optional description")
	cmd.Flags().IntVar(&p.Limit, "limit", 0, "Max summaries (0 uses DEFAULT_KEY_LIMIT)")
	return cmd
}

func keysListCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				keys, err := st.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				printKeyTable(cmd.OutOrStdout(), keys, cfg.DefaultKeyLimit)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only list keys of this owner")
	return cmd
}

func printKeyTable(w io.Writer, keys []*models.APIKey, defaultLimit int) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "No keys.")
		return
	}
	for _, k := range keys {
		state := "active"
		if !k.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(w, "%-36s  %-16s  %-14s  %5d/%-5d  %-8s  %s\n",
			k.ID, k.OwnerID, models.KeyPrefix(k.Key), k.Usage, k.Limit(defaultLimit), state, k.Name)
	}
}

func keysGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, st store.Store) error {
				k, err := st.GetAPIKey(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), k)
			})
		},
	}
}

// keyPatch holds the fields an update may change. Nil means unchanged.
type keyPatch struct {
	Name        *string
	Description *string
	Active      *bool
	Limit       *int
}

func (p keyPatch) apply(k *models.APIKey) error {
	if p.Name != nil {
		if *p.Name == "" {
			return fmt.Errorf("--name must not be empty")
		}
		k.Name = *p.Name
	}
	if p.Description != nil {
		if *p.Description == "" {
			k.Description = nil
		} else {
			d := *p.Description
			k.Description = &d
		}
	}
	if p.Active != nil {
		k.IsActive = *p.Active
	}
	if p.Limit != nil {
		if *p.Limit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		k.MaxLimit = *p.Limit
	}
	return nil
}

func updateKey(ctx context.Context, st store.CredentialStore, id string, p keyPatch) (*models.APIKey, error) {
	k, err := st.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.apply(k); err != nil {
		return nil, err
	}
	if err := st.UpdateAPIKey(ctx, k); err != nil {
		return nil, err
	}
	return st.GetAPIKey(ctx, id)
}

func keysUpdateCmd() *cobra.Command {
	var (
		name, description string
		active            bool
		limit             int
	)

	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change name, description, status or limit of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p keyPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				p.Name = &name
			}
			if flags.Changed("description") {
				p.Description = &description
			}
			if flags.Changed("active") {
				p.Active = &active
			}
			if flags.Changed("limit") {
				p.Limit = &limit
			}
			return withStore(func(ctx context.Context, _ *config.Config, st store.Store) error {
				k, err := updateKey(ctx, st, args[0], p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), k)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New display name")
	cmd.Flags().StringVar(&description, "description", "", "New description (empty clears it)")
	cmd.Flags().BoolVar(&active, "active", true, "Enable or disable the key")
	cmd.Flags().IntVar(&limit, "limit", 0, "New max summaries (0 uses DEFAULT_KEY_LIMIT)")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, st store.Store) error {
				if err := st.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func keysResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [id]",
		Short: "Reset a key's usage counter to zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, st store.Store) error {
				if err := st.ResetAPIKeyUsage(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset usage of %s\n", args[0])
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
