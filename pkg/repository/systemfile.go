package repository

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"certmesh/pkg/cert"

	"go.uber.org/zap"
)

// LoadSystemFile builds the system repository from a file holding one base64
// CERT message per line. Blank lines and lines starting with # are skipped, and
// so are lines that do not decode.
func LoadSystemFile(trust *cert.Trust, path string, opts ...Option) (*Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read system certificates: %w", err)
	}

	probe := newRepository(trust, opts)

	var certs []*cert.Certificate
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		c, err := DecodeCertificate(trust, text)
		if err != nil {
			probe.logger.Warn("Skipping unreadable system certificate",
				zap.String("path", path),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		certs = append(certs, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan system certificates: %w", err)
	}

	probe.logger.Info("Loaded system certificates", zap.String("path", path), zap.Int("count", len(certs)))
	return NewSystem(trust, certs, opts...), nil
}

// WriteSystemFile writes certs to path in the format read by LoadSystemFile.
func WriteSystemFile(path string, certs ...*cert.Certificate) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	var buf bytes.Buffer
	for _, c := range certs {
		buf.WriteString(EncodeCertificate(c))
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write system certificates: %w", err)
	}
	return nil
}
