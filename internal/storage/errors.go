package storage

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// ErrUnknownAccount is returned when a client is requested for an account
// that is not configured.
var ErrUnknownAccount = errors.New("unknown storage account")

// IsNotFound reports whether err is a missing blob, container or queue.
func IsNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	return statusCode(err) == http.StatusNotFound
}

// IsContainerNotFound reports whether err names a missing container.
func IsContainerNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.ContainerNotFound)
}

// IsConditionFailed reports whether err is a failed If-Match/If-None-Match
// condition, including a create racing an existing blob.
func IsConditionFailed(err error) bool {
	if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists, bloberror.TargetConditionNotMet) {
		return true
	}
	return statusCode(err) == http.StatusPreconditionFailed
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
