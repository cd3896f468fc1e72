package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"certmesh/pkg/authority"
	"certmesh/pkg/cert"
	"certmesh/pkg/config"
	"certmesh/pkg/keys"
	"certmesh/pkg/repository"
	"certmesh/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func authorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Manage the certificate authority",
	}
	cmd.AddCommand(authorityBootstrapCmd())
	return cmd
}

func authorityBootstrapCmd() *cobra.Command {
	var validity time.Duration

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Make this node a certificate authority",
		Long: `Create a self-signed certificate naming an authority service instance on
this node and append it to the system certificate file. Copy the file to
every node that should trust this authority.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.Log.Level)
			defer logger.Sync()

			id, _, err := keys.LoadOrCreateIdentity(cfg.KeyPath())
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}

			trust := cert.NewTrust(keys.Verifier{}, cert.WithLogger(logger))
			c, err := bootstrapAuthority(trust, id, validity)
			if err != nil {
				return err
			}

			path := cfg.SystemFilePath()
			existing, err := loadSystemCertificates(trust, cfg, logger)
			if err != nil {
				return err
			}
			if err := repository.WriteSystemFile(path, append(existing, c)...); err != nil {
				return err
			}

			logger.Info("Authority certificate written",
				zap.String("path", path),
				zap.Stringer("instance", c.Authority()))
			fmt.Println(renderCertificate(c, time.Now()))
			return nil
		},
	}

	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "how long the authority certificate is valid")
	return cmd
}

// bootstrapAuthority signs a certificate that lets the identity's node run the
// authority service.
func bootstrapAuthority(trust *cert.Trust, id *keys.Identity, validity time.Duration) (*cert.Certificate, error) {
	instance := types.NewServiceInstance(types.ServiceID{ID: authority.ServiceID}, id.NodeID())
	c, err := trust.NewCertificate(instance, trust.Now().Add(validity), cert.NewServiceInstanceFact(instance))
	if err != nil {
		return nil, fmt.Errorf("failed to create authority certificate: %w", err)
	}
	if err := c.Sign(id.Keys); err != nil {
		return nil, fmt.Errorf("failed to sign authority certificate: %w", err)
	}
	return c, nil
}

// loadSystemCertificates returns the certificates in the configured system
// file, or none when the file does not exist yet.
func loadSystemCertificates(trust *cert.Trust, cfg *config.Config, logger *zap.Logger) ([]*cert.Certificate, error) {
	system, err := repository.LoadSystemFile(trust, cfg.SystemFilePath(), repository.WithLogger(logger))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return system.Items(), nil
}
