// Package accounts holds the fixed, load-once set of storage accounts blobmesh
// fronts: the virtual gateway account clients sign for, the namespace account, and the
// ordered backing data accounts.
package accounts

import (
	"errors"
	"fmt"

	"github.com/tunnelmesh/blobmesh/internal/config"
)

// ErrUnknownAccount is returned when an account name is not configured.
var ErrUnknownAccount = errors.New("unknown account")

// Account is one storage account and its secret material.
type Account struct {
	Name          string
	PrimaryKey    []byte
	SecondaryKey  []byte // nil when not configured
	BlobEndpoint  string
	QueueEndpoint string
}

// Keys returns the keys to try when verifying a signature, primary first.
func (a Account) Keys() [][]byte {
	if len(a.SecondaryKey) == 0 {
		return [][]byte{a.PrimaryKey}
	}
	return [][]byte{a.PrimaryKey, a.SecondaryKey}
}

// Registry is the immutable account set. It is safe for concurrent use.
type Registry struct {
	gateway   Account
	namespace *Account
	data      []Account
	byName    map[string]Account
}

// New builds a registry. Data account order is preserved; placement depends on it.
func New(gateway Account, namespace *Account, data []Account) (*Registry, error) {
	if gateway.Name == "" {
		return nil, fmt.Errorf("gateway account name is required")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("at least one data account is required")
	}

	r := &Registry{
		gateway: gateway,
		data:    make([]Account, len(data)),
		byName:  make(map[string]Account, len(data)+1),
	}
	copy(r.data, data)
	for _, a := range data {
		if _, dup := r.byName[a.Name]; dup {
			return nil, fmt.Errorf("duplicate data account %q", a.Name)
		}
		r.byName[a.Name] = a
	}
	if namespace != nil {
		ns := *namespace
		r.namespace = &ns
		if _, ok := r.byName[ns.Name]; !ok {
			r.byName[ns.Name] = ns
		}
	}
	return r, nil
}

// FromConfig loads every configured account, decoding key material.
func FromConfig(cfg *config.Config) (*Registry, error) {
	gateway, err := fromAccountConfig(cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("gateway account: %w", err)
	}

	var namespace *Account
	if cfg.NamespaceAcct.Name != "" {
		ns, err := fromAccountConfig(cfg.NamespaceAcct)
		if err != nil {
			return nil, fmt.Errorf("namespace account: %w", err)
		}
		namespace = &ns
	}

	data := make([]Account, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		a, err := fromAccountConfig(ac)
		if err != nil {
			return nil, fmt.Errorf("data account: %w", err)
		}
		data = append(data, a)
	}

	return New(gateway, namespace, data)
}

func fromAccountConfig(ac config.AccountConfig) (Account, error) {
	primary, secondary, err := ac.Keys()
	if err != nil {
		return Account{}, err
	}
	return Account{
		Name:          ac.Name,
		PrimaryKey:    primary,
		SecondaryKey:  secondary,
		BlobEndpoint:  ac.BlobEndpoint,
		QueueEndpoint: ac.QueueEndpoint,
	}, nil
}

// Gateway returns the virtual account clients authenticate against.
func (r *Registry) Gateway() Account {
	return r.gateway
}

// Namespace returns the namespace account, if one is configured.
func (r *Registry) Namespace() (Account, bool) {
	if r.namespace == nil {
		return Account{}, false
	}
	return *r.namespace, true
}

// Data returns a copy of the data accounts in placement order.
func (r *Registry) Data() []Account {
	out := make([]Account, len(r.data))
	copy(out, r.data)
	return out
}

// DataNames returns the data account names in placement order.
func (r *Registry) DataNames() []string {
	names := make([]string, len(r.data))
	for i, a := range r.data {
		names[i] = a.Name
	}
	return names
}

// IsData reports whether name is one of the data accounts.
func (r *Registry) IsData(name string) bool {
	for _, a := range r.data {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Lookup returns the data or namespace account with the given name.
func (r *Registry) Lookup(name string) (Account, error) {
	a, ok := r.byName[name]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return a, nil
}
