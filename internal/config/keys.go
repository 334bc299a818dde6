package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// envKeyName returns the environment variable consulted for an account key.
// Account "my-store" with secondary=false maps to BLOBMESH_KEY_MY_STORE.
func envKeyName(account string, secondary bool) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(account))
	if secondary {
		return "BLOBMESH_SECONDARY_KEY_" + name
	}
	return "BLOBMESH_KEY_" + name
}

// Keys returns the decoded primary and secondary keys for the account.
// Environment variables take precedence over values in the file so secrets can stay
// out of configuration. A missing secondary key returns nil.
func (a AccountConfig) Keys() (primary, secondary []byte, err error) {
	primaryB64 := a.Key
	if v := os.Getenv(envKeyName(a.Name, false)); v != "" {
		primaryB64 = v
	}
	secondaryB64 := a.SecondaryKey
	if v := os.Getenv(envKeyName(a.Name, true)); v != "" {
		secondaryB64 = v
	}

	if primaryB64 == "" {
		return nil, nil, fmt.Errorf("account %q: key is required (or set %s)", a.Name, envKeyName(a.Name, false))
	}
	primary, err = base64.StdEncoding.DecodeString(primaryB64)
	if err != nil {
		return nil, nil, fmt.Errorf("account %q: decode key: %w", a.Name, err)
	}
	if secondaryB64 != "" {
		secondary, err = base64.StdEncoding.DecodeString(secondaryB64)
		if err != nil {
			return nil, nil, fmt.Errorf("account %q: decode secondary key: %w", a.Name, err)
		}
	}
	return primary, secondary, nil
}
