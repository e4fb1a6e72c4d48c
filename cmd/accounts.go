package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/model"
	"github.com/bridgekit/dmgate/internal/store"
)

func withStores(fn func(ctx context.Context, stores *store.Stores) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()
	return fn(context.Background(), stores)
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage tenant accounts",
	}
	cmd.AddCommand(accountsListCmd())
	cmd.AddCommand(accountsAddCmd())
	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, stores *store.Stores) error {
				accounts, err := stores.Accounts.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tROUTING ID\tIG USERNAME\tNEEDS REAUTH")
				for _, a := range accounts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
						a.ID, a.Name, a.RoutingID, a.IGUsername, a.NeedsReauth)
				}
				return w.Flush()
			})
		},
	}
}

func accountsAddCmd() *cobra.Command {
	var name, routingID, igUsername string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || routingID == "" {
				return fmt.Errorf("--name and --routing-id are required")
			}
			return withStores(func(ctx context.Context, stores *store.Stores) error {
				acct := &model.Account{
					Name:       name,
					RoutingID:  routingID,
					IGUsername: igUsername,
				}
				if err := stores.Accounts.Create(ctx, acct); err != nil {
					return err
				}
				fmt.Printf("created account %s\n", acct.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&routingID, "routing-id", "", "AI backend routing id")
	cmd.Flags().StringVar(&igUsername, "ig-username", "", "Instagram username (enables polling)")
	return cmd
}
