// Package storage wraps the azblob clients for the backing data accounts and
// the namespace account. It maps SDK errors at the boundary so callers only
// see IsNotFound and IsConditionFailed.
package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/accounts"
)

// CopyStatus is the state of a server-side copy on a destination blob.
type CopyStatus string

const (
	CopyNone    CopyStatus = ""
	CopyPending CopyStatus = "pending"
	CopySuccess CopyStatus = "success"
	CopyAborted CopyStatus = "aborted"
	CopyFailed  CopyStatus = "failed"
)

// Properties is the subset of blob properties replication reads.
type Properties struct {
	ETag       string
	BlobType   string
	CopyID     string
	CopyStatus CopyStatus
	// CopyDescription explains a failed or aborted copy.
	CopyDescription string
}

// Config configures Backends.
type Config struct {
	Logger zerolog.Logger
	// MaxRetries overrides the SDK retry count when non-zero. Negative
	// disables retries.
	MaxRetries int32
}

// Backends holds one azblob client per configured account.
type Backends struct {
	clients map[string]*azblob.Client
	logger  zerolog.Logger
}

// NewBackends builds clients for every data account and the namespace account.
func NewBackends(reg *accounts.Registry, cfg Config) (*Backends, error) {
	b := &Backends{
		clients: make(map[string]*azblob.Client),
		logger:  cfg.Logger.With().Str("component", "storage").Logger(),
	}

	all := reg.Data()
	if ns, ok := reg.Namespace(); ok {
		all = append(all, ns)
	}
	for _, acct := range all {
		if _, done := b.clients[acct.Name]; done {
			continue
		}
		client, err := newClient(acct, cfg)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.Name, err)
		}
		b.clients[acct.Name] = client
	}
	return b, nil
}

func newClient(acct accounts.Account, cfg Config) (*azblob.Client, error) {
	cred, err := azblob.NewSharedKeyCredential(acct.Name, base64.StdEncoding.EncodeToString(acct.PrimaryKey))
	if err != nil {
		return nil, fmt.Errorf("shared key credential: %w", err)
	}
	opts := &azblob.ClientOptions{}
	if cfg.MaxRetries != 0 {
		opts.ClientOptions = policy.ClientOptions{Retry: policy.RetryOptions{MaxRetries: cfg.MaxRetries}}
	}
	return azblob.NewClientWithSharedKeyCredential(strings.TrimSuffix(acct.BlobEndpoint, "/")+"/", cred, opts)
}

func (b *Backends) client(account string) (*azblob.Client, error) {
	c, ok := b.clients[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return c, nil
}

func (b *Backends) blobClient(account, containerName, blobName string) (*blob.Client, error) {
	c, err := b.client(account)
	if err != nil {
		return nil, err
	}
	return c.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName), nil
}

// Container returns the container client for containerName in account.
func (b *Backends) Container(account, containerName string) (*container.Client, error) {
	c, err := b.client(account)
	if err != nil {
		return nil, err
	}
	return c.ServiceClient().NewContainerClient(containerName), nil
}

// EnsureContainer creates containerName in account if it does not exist.
func (b *Backends) EnsureContainer(ctx context.Context, account, containerName string) error {
	c, err := b.Container(account, containerName)
	if err != nil {
		return err
	}
	_, err = c.Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s/%s: %w", account, containerName, err)
	}
	return nil
}

// Properties reads the blob's ETag, type and copy state.
func (b *Backends) Properties(ctx context.Context, account, containerName, blobName string) (Properties, error) {
	bc, err := b.blobClient(account, containerName, blobName)
	if err != nil {
		return Properties{}, err
	}
	resp, err := bc.GetProperties(ctx, nil)
	if err != nil {
		return Properties{}, fmt.Errorf("get properties %s/%s/%s: %w", account, containerName, blobName, err)
	}

	var p Properties
	if resp.ETag != nil {
		p.ETag = string(*resp.ETag)
	}
	if resp.BlobType != nil {
		p.BlobType = string(*resp.BlobType)
	}
	if resp.CopyID != nil {
		p.CopyID = *resp.CopyID
	}
	if resp.CopyStatus != nil {
		p.CopyStatus = CopyStatus(*resp.CopyStatus)
	}
	if resp.CopyStatusDescription != nil {
		p.CopyDescription = *resp.CopyStatusDescription
	}
	return p, nil
}

// ReadURL returns a URL for the blob carrying a read-only SAS that expires
// after lifetime.
func (b *Backends) ReadURL(account, containerName, blobName string, lifetime time.Duration) (string, error) {
	bc, err := b.blobClient(account, containerName, blobName)
	if err != nil {
		return "", err
	}
	u, err := bc.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(lifetime), nil)
	if err != nil {
		return "", fmt.Errorf("sign source %s/%s/%s: %w", account, containerName, blobName, err)
	}
	return u, nil
}

// StartCopy starts a server-side copy from sourceURL into the blob. The
// destination takes the source's blob type; blobType is only logged.
func (b *Backends) StartCopy(ctx context.Context, account, containerName, blobName, sourceURL, blobType string) (string, CopyStatus, error) {
	bc, err := b.blobClient(account, containerName, blobName)
	if err != nil {
		return "", CopyNone, err
	}
	resp, err := bc.StartCopyFromURL(ctx, sourceURL, nil)
	if err != nil {
		return "", CopyNone, fmt.Errorf("start copy to %s/%s/%s: %w", account, containerName, blobName, err)
	}

	var (
		id     string
		status = CopyPending
	)
	if resp.CopyID != nil {
		id = *resp.CopyID
	}
	if resp.CopyStatus != nil {
		status = CopyStatus(*resp.CopyStatus)
	}
	b.logger.Debug().
		Str("account", account).
		Str("container", containerName).
		Str("blob", blobName).
		Str("blob_type", blobType).
		Str("copy_id", id).
		Msg("copy started")
	return id, status, nil
}

// Delete removes the blob and its snapshots if its ETag still matches. An
// empty etag deletes unconditionally.
func (b *Backends) Delete(ctx context.Context, account, containerName, blobName, etag string) error {
	bc, err := b.blobClient(account, containerName, blobName)
	if err != nil {
		return err
	}
	opts := &blob.DeleteOptions{DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude)}
	if etag != "" {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(etag))},
		}
	}
	if _, err := bc.Delete(ctx, opts); err != nil {
		return fmt.Errorf("delete %s/%s/%s: %w", account, containerName, blobName, err)
	}
	return nil
}
