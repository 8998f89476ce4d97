package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ComputeHash returns the BLAKE3 hash of the file at path, hex encoded.
func ComputeHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file for hashing: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteIntegrity records the config file's current hash in "<path>.sum",
// authorizing its current contents.
func WriteIntegrity(path string) error {
	hash, err := ComputeHash(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".sum", []byte(hash+"\n"), 0o600); err != nil {
		return fmt.Errorf("write integrity file: %w", err)
	}
	return nil
}

// VerifyIntegrity checks the config file against its recorded hash. A missing
// "<path>.sum" file means integrity checking is not enabled and passes.
func VerifyIntegrity(path string) error {
	recorded, err := os.ReadFile(path + ".sum")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read integrity file: %w", err)
	}

	expected := strings.TrimSpace(string(recorded))
	actual, err := ComputeHash(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("config integrity check failed for %s: the file changed since it was authorized (re-run with 'crucible config lock' if intentional)", path)
	}
	return nil
}
