// Package credential reads and stores the mailbox password in the OS
// keyring so it can stay out of the configuration file.
package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailgraph"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailgraph/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailgraph-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Password retrieves the stored password for an account username.
func Password(username string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get("imap:" + username)
	if err != nil {
		return "", fmt.Errorf("getting credential for %q: %w", username, err)
	}

	return string(item.Data), nil
}

// SetPassword stores the password for an account username.
func SetPassword(username, password string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  "imap:" + username,
		Data: []byte(password),
	})
	if err != nil {
		return fmt.Errorf("setting credential for %q: %w", username, err)
	}

	return nil
}
