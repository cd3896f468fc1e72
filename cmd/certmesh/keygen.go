package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"certmesh/pkg/keys"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the node identity",
		Long:  `Generate a node UUID and ed25519 signing key, or show the existing one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.KeyPath()
			}

			id, created, err := keys.LoadOrCreateIdentity(path)
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}

			state := "existing"
			if created {
				state = "created"
			}
			fmt.Println(panelStyle.Render(strings.Join([]string{
				titleStyle.Render("Node identity"),
				renderField("Node", id.NodeUUID.String()),
				renderField("Public key", hex.EncodeToString(id.Keys.PublicKey())),
				renderField("Key file", path),
				renderField("State", state),
			}, "\n")))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "key file path (defaults to the configured key file)")
	return cmd
}
