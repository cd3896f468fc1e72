package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/config"
	"certmesh/pkg/keys"
	"certmesh/pkg/repository"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func repoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Inspect the local certificate repository",
	}
	cmd.AddCommand(repoListCmd(), repoImportCmd())
	return cmd
}

func repoListCmd() *cobra.Command {
	var validOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored and system certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.Log.Level)
			defer logger.Sync()

			repo, err := openRepository(cmd.Context(), cfg, cert.NewTrust(keys.Verifier{}, cert.WithLogger(logger)), logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			certs := repo.Items()
			if validOnly {
				certs = repo.Certificates()
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("Certificates (%d)", len(certs))))
			fmt.Println(renderCertificateTable(certs, time.Now()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&validOnly, "valid", false, "only list valid certificates and prune the rest")
	return cmd
}

func repoImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|base64>",
		Short: "Add certificates to the local repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.Log.Level)
			defer logger.Sync()

			trust := cert.NewTrust(keys.Verifier{}, cert.WithLogger(logger))
			certs, err := readCertificates(trust, args[0])
			if err != nil {
				return err
			}

			repo, err := openRepository(cmd.Context(), cfg, trust, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			for _, c := range certs {
				if !c.Valid() {
					fmt.Println(mutedStyle.Render("skipped invalid certificate " + c.ID().String()))
					continue
				}
				if err := repo.Add(cmd.Context(), c); err != nil {
					return fmt.Errorf("failed to add certificate %s: %w", c.ID(), err)
				}
			}
			fmt.Println(renderCertificateTable(repo.Items(), time.Now()))
			return nil
		},
	}
}

// openRepository opens the system file and the SQLite store named by cfg.
func openRepository(ctx context.Context, cfg *config.Config, trust *cert.Trust, logger *zap.Logger, opts ...repository.Option) (*repository.Repository, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts = append([]repository.Option{repository.WithLogger(logger)}, opts...)

	systemCerts, err := loadSystemCertificates(trust, cfg, logger)
	if err != nil {
		return nil, err
	}
	system := repository.NewSystem(trust, systemCerts, opts...)

	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := repository.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	repo, err := repository.New(ctx, trust, store, system, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return repo, nil
}
