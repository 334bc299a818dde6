package namespace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/tunnelmesh/blobmesh/internal/storage"
)

// snapshotPrefix holds snapshot entries apart from base blob entries.
const snapshotPrefix = ".snapshots/"

// Metadata keys. Azure returns metadata keys with arbitrary casing, so reads
// compare them lowercased.
const (
	metaAccount   = "accountname"
	metaContainer = "container"
	metaBlob      = "blobname"
	metaSnapshot  = "snapshot"
	metaDeleted   = "deleted"
	metaReplicas  = "replicas"
)

// MetadataBlobs is the blob primitive BlobDurable needs: zero-length blobs
// whose metadata is read and conditionally written.
type MetadataBlobs interface {
	// GetMetadata returns the blob's metadata and ETag, or ErrNotFound.
	GetMetadata(ctx context.Context, name string) (map[string]string, string, error)
	// CreateIfAbsent creates the blob only if it does not exist.
	CreateIfAbsent(ctx context.Context, name string, md map[string]string) (string, error)
	// UpdateIfMatch replaces the metadata only if the ETag still matches.
	UpdateIfMatch(ctx context.Context, name string, md map[string]string, etag string) (string, error)
}

// BlobDurable stores each namespace entry as a zero-length blob in the
// namespace account, with its fields in blob metadata and the ETag as token.
type BlobDurable struct {
	blobs MetadataBlobs
}

// NewBlobDurable returns a BlobDurable over the given container client.
func NewBlobDurable(client *container.Client) *BlobDurable {
	return &BlobDurable{blobs: &azureMetadataBlobs{client: client}}
}

// NewBlobDurableWith returns a BlobDurable over any MetadataBlobs.
func NewBlobDurableWith(blobs MetadataBlobs) *BlobDurable {
	return &BlobDurable{blobs: blobs}
}

// blobName maps a key onto the namespace container.
func blobName(key Key) string {
	name := key.Container + "/" + key.Blob
	if key.Snapshot != "" {
		return snapshotPrefix + key.Snapshot + "/" + name
	}
	return name
}

// Get implements Durable.
func (d *BlobDurable) Get(ctx context.Context, key Key) (*Entry, error) {
	md, etag, err := d.blobs.GetMetadata(ctx, blobName(key))
	if err != nil {
		return nil, err
	}

	lower := make(map[string]string, len(md))
	for k, v := range md {
		lower[strings.ToLower(k)] = v
	}
	account, err := url.QueryUnescape(lower[metaAccount])
	if err != nil || account == "" {
		return nil, fmt.Errorf("namespace blob %q: missing account metadata", blobName(key))
	}

	e := &Entry{
		Key:               key,
		Account:           account,
		MarkedForDeletion: lower[metaDeleted] == "true",
	}
	if reps := lower[metaReplicas]; reps != "" {
		for _, r := range strings.Split(reps, ",") {
			if name, err := url.QueryUnescape(r); err == nil && name != "" {
				e.Replicas = append(e.Replicas, name)
			}
		}
	}
	e.setStored(etag)
	return e, nil
}

// Put implements Durable.
func (d *BlobDurable) Put(ctx context.Context, e *Entry) (string, error) {
	md := entryMetadata(e)
	if e.token == "" {
		return d.blobs.CreateIfAbsent(ctx, blobName(e.Key), md)
	}
	return d.blobs.UpdateIfMatch(ctx, blobName(e.Key), md, e.token)
}

// entryMetadata encodes e as metadata. Values are query-escaped since metadata
// must be ASCII.
func entryMetadata(e *Entry) map[string]string {
	md := map[string]string{
		metaAccount:   url.QueryEscape(e.Account),
		metaContainer: url.QueryEscape(e.Container),
		metaBlob:      url.QueryEscape(e.Blob),
		metaDeleted:   strconv.FormatBool(e.MarkedForDeletion),
	}
	if len(e.Replicas) > 0 {
		reps := make([]string, len(e.Replicas))
		for i, r := range e.Replicas {
			reps[i] = url.QueryEscape(r)
		}
		md[metaReplicas] = strings.Join(reps, ",")
	}
	if e.Snapshot != "" {
		md[metaSnapshot] = url.QueryEscape(e.Snapshot)
	}
	return md
}

// azureMetadataBlobs implements MetadataBlobs with azblob.
type azureMetadataBlobs struct {
	client *container.Client
}

func (a *azureMetadataBlobs) GetMetadata(ctx context.Context, name string) (map[string]string, string, error) {
	resp, err := a.client.NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("azure: get namespace blob: %w", err)
	}
	if resp.ETag == nil {
		return nil, "", errors.New("azure: get namespace blob: missing etag")
	}
	md := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		if v != nil {
			md[k] = *v
		}
	}
	return md, string(*resp.ETag), nil
}

func (a *azureMetadataBlobs) CreateIfAbsent(ctx context.Context, name string, md map[string]string) (string, error) {
	resp, err := a.client.NewBlockBlobClient(name).Upload(ctx, streaming.NopCloser(bytes.NewReader(nil)), &blockblob.UploadOptions{
		Metadata: toPtrMap(md),
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	})
	if err != nil {
		if storage.IsConditionFailed(err) {
			return "", ErrPreconditionFailed
		}
		return "", fmt.Errorf("azure: create namespace blob: %w", err)
	}
	if resp.ETag == nil {
		return "", errors.New("azure: create namespace blob: missing etag")
	}
	return string(*resp.ETag), nil
}

func (a *azureMetadataBlobs) UpdateIfMatch(ctx context.Context, name string, md map[string]string, etag string) (string, error) {
	resp, err := a.client.NewBlobClient(name).SetMetadata(ctx, toPtrMap(md), &blob.SetMetadataOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(etag)),
			},
		},
	})
	if err != nil {
		// A record that vanished since it was loaded lost the race too.
		if storage.IsConditionFailed(err) || storage.IsNotFound(err) {
			return "", ErrPreconditionFailed
		}
		return "", fmt.Errorf("azure: update namespace blob: %w", err)
	}
	if resp.ETag == nil {
		return "", errors.New("azure: update namespace blob: missing etag")
	}
	return string(*resp.ETag), nil
}

func toPtrMap(md map[string]string) map[string]*string {
	out := make(map[string]*string, len(md))
	for k, v := range md {
		out[k] = to.Ptr(v)
	}
	return out
}
