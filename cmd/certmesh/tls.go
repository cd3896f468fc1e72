package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"certmesh/pkg/auth"
	"certmesh/pkg/keys"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func tlsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage transport TLS certificates",
	}
	cmd.AddCommand(tlsCACmd(), tlsIssueCmd())
	return cmd
}

func tlsCACmd() *cobra.Command {
	var (
		name     string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create the transport CA",
		Long:  `Create the CA that signs node transport certificates. It is written next to the configured CA file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			caDir := filepath.Dir(cfg.TLSConfig().CAFile)
			cm, err := auth.NewCertManager(caDir)
			if err != nil {
				return err
			}
			if cm.CACertificate() != nil {
				return fmt.Errorf("a CA already exists in %s", caDir)
			}
			if err := cm.GenerateCA(name, validity); err != nil {
				return err
			}

			ca := cm.CACertificate()
			fmt.Println(panelStyle.Render(strings.Join([]string{
				titleStyle.Render("Transport CA"),
				renderField("Subject", ca.Subject.CommonName),
				renderField("Expires", ca.NotAfter.Format(time.RFC3339)),
				renderField("Directory", caDir),
			}, "\n")))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "certmesh", "CA name")
	cmd.Flags().DurationVar(&validity, "validity", 10*365*24*time.Hour, "CA validity")
	return cmd
}

func tlsIssueCmd() *cobra.Command {
	var (
		nodeID    string
		addresses []string
		validity  time.Duration
		outDir    string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a transport certificate for a node",
		Long: `Sign a transport certificate with the CA. Without --node-id the
certificate is issued for this node and written to the configured paths.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tlsCfg := cfg.TLSConfig()

			cm, err := auth.NewCertManager(filepath.Dir(tlsCfg.CAFile))
			if err != nil {
				return err
			}

			certPath, keyPath := tlsCfg.CertFile, tlsCfg.KeyFile
			var id uuid.UUID
			name := cfg.Node.Name
			if nodeID == "" {
				identity, _, err := keys.LoadOrCreateIdentity(cfg.KeyPath())
				if err != nil {
					return fmt.Errorf("failed to load identity: %w", err)
				}
				id = identity.NodeUUID
				if len(addresses) == 0 {
					addresses = []string{cfg.Advertise()}
				}
			} else {
				if id, err = uuid.Parse(nodeID); err != nil {
					return fmt.Errorf("invalid node id: %w", err)
				}
				name = ""
				if outDir == "" {
					outDir = "."
				}
			}
			if outDir != "" {
				certPath = filepath.Join(outDir, id.String()+".crt")
				keyPath = filepath.Join(outDir, id.String()+".key")
			}

			cert, key, err := cm.IssueNodeCertificate(id, name, addresses, validity)
			if err != nil {
				return err
			}
			if err := auth.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}

			fmt.Println(panelStyle.Render(strings.Join([]string{
				titleStyle.Render("Transport certificate"),
				renderField("Node", id.String()),
				renderField("Expires", cert.NotAfter.Format(time.RFC3339)),
				renderField("Certificate", certPath),
				renderField("Key", keyPath),
			}, "\n")))
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "issue for another node")
	cmd.Flags().StringSliceVar(&addresses, "address", nil, "addresses to include as SANs")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity")
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write <node-id>.crt and .key to")
	return cmd
}

// transportSecurity returns the gRPC options that turn on mutual TLS. Frames
// are then bound to the node named by the peer certificate with
// overlay.WithPeerIdentity(auth.NodeIDFromContext).
func transportSecurity(tlsCfg auth.Config, logger *zap.Logger) ([]grpc.ServerOption, []grpc.DialOption, error) {
	builder, err := auth.NewTLSConfigBuilder(tlsCfg)
	if err != nil {
		return nil, nil, err
	}
	serverTLS, err := builder.BuildServerConfig()
	if err != nil {
		return nil, nil, err
	}
	clientTLS, err := builder.BuildClientConfig()
	if err != nil {
		return nil, nil, err
	}

	server := []grpc.ServerOption{
		grpc.Creds(credentials.NewTLS(serverTLS)),
		grpc.UnaryInterceptor(auth.UnaryServerInterceptor(logger)),
	}
	dial := []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(clientTLS))}
	return server, dial, nil
}
