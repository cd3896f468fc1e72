package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/keys"
	"certmesh/pkg/repository"

	"github.com/spf13/cobra"
)

var errNoCertificates = errors.New("no certificates found")

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Work with certificates",
	}
	cmd.AddCommand(certInspectCmd())
	return cmd
}

func certInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file|base64>",
		Short: "Decode and verify certificates",
		Long: `Print the fields and validity of certificates. The argument is either a
file holding one base64 certificate per line, a file holding a raw CERT
message, or a base64 certificate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trust := cert.NewTrust(keys.Verifier{})
			certs, err := readCertificates(trust, args[0])
			if err != nil {
				return err
			}
			now := time.Now()
			for _, c := range certs {
				fmt.Println(renderCertificate(c, now))
			}
			return nil
		},
	}
}

// readCertificates parses arg as a certificate file or a base64 certificate.
func readCertificates(trust *cert.Trust, arg string) ([]*cert.Certificate, error) {
	data, err := os.ReadFile(arg)
	if err != nil {
		c, decodeErr := repository.DecodeCertificate(trust, strings.TrimSpace(arg))
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg, err)
		}
		return []*cert.Certificate{c}, nil
	}

	if c, err := trust.ParseCertificate(data); err == nil {
		return []*cert.Certificate{c}, nil
	}

	var certs []*cert.Certificate
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := repository.DecodeCertificate(trust, line)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errNoCertificates
	}
	return certs, nil
}
