// Command marketctl performs operator tasks against the marketplace document
// store: seeding the catalog and user profiles, and restocking products.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/xenking/organic-market/internal/app"
	"github.com/xenking/organic-market/internal/docstore"
	"github.com/xenking/organic-market/internal/repository"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("marketctl failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "marketctl",
		Short:         "Operator tools for the organic marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(seedCmd(), restockCmd())
	return cmd
}

// withStore opens the configured store for the duration of fn. The memory
// backend is rejected since nothing would outlive the command.
func withStore(ctx context.Context, fn func(docstore.Store) error) error {
	cfg, err := app.LoadStoreConfig()
	if err != nil {
		return err
	}
	if cfg.Backend == app.BackendMemory {
		return fmt.Errorf("backend %q does not persist; set MARKET_BACKEND", cfg.Backend)
	}

	slog.Info("connecting to store", slog.String("backend", cfg.Backend))
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()
	return fn(store)
}

func seedCmd() *cobra.Command {
	var productsFile, usersFile string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert products and user profiles from JSON files (optionally gzipped)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if productsFile == "" && usersFile == "" {
				return fmt.Errorf("nothing to seed: pass --file and/or --users")
			}
			return withStore(cmd.Context(), func(store docstore.Store) error {
				if usersFile != "" {
					n, err := seedUsers(cmd.Context(), repository.NewUserRepository(store), usersFile)
					if err != nil {
						return err
					}
					slog.Info("users seeded", slog.Int("count", n))
				}
				if productsFile != "" {
					n, err := seedProducts(cmd.Context(), repository.NewProductRepository(store), productsFile)
					if err != nil {
						return err
					}
					slog.Info("products seeded", slog.Int("count", n))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&productsFile, "file", "", "products JSON file (.json or .json.gz)")
	cmd.Flags().StringVar(&usersFile, "users", "", "user profiles JSON file (.json or .json.gz)")
	return cmd
}

func restockCmd() *cobra.Command {
	var (
		productID string
		stock     int
	)
	cmd := &cobra.Command{
		Use:   "restock",
		Short: "Set the stock counter of a product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(store docstore.Store) error {
				if err := repository.NewProductRepository(store).SetStock(cmd.Context(), productID, stock); err != nil {
					return err
				}
				slog.Info("stock updated", slog.String("product_id", productID), slog.Int("stock", stock))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "product id")
	cmd.Flags().IntVar(&stock, "stock", 0, "new stock level")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("stock")
	return cmd
}
