package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint computes the BLAKE3 hash of the config file at path. The
// fingerprint is logged at startup and exposed on /healthz so operators can
// confirm which configuration a running instance is serving.
func Fingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config for fingerprint: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFingerprint checks the config file at path against an expected
// fingerprint. A mismatch indicates the file changed since it was authorized.
func VerifyFingerprint(path, expected string) error {
	actual, err := Fingerprint(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("config fingerprint mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
