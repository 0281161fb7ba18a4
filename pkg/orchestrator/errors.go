package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
var (
	// ErrInvalidAssetID indicates a string could not be parsed as customer/space/asset
	ErrInvalidAssetID = errors.New("invalid asset id")

	// ErrAssetNotFound indicates an asset was not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrCustomerNotFound indicates a customer id or name was not found
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrTokenNotFound indicates an auth token was not found
	ErrTokenNotFound = errors.New("auth token not found")

	// ErrSessionUserNotFound indicates a session user was not found
	ErrSessionUserNotFound = errors.New("session user not found")

	// ErrAuthServiceNotFound indicates an auth service was not found
	ErrAuthServiceNotFound = errors.New("auth service not found")

	// ErrObjectNotFound indicates a blob was not found in storage
	ErrObjectNotFound = errors.New("object not found")

	// ErrPresignNotSupported indicates a blob store cannot produce direct URLs
	ErrPresignNotSupported = errors.New("presigned urls not supported")
)

// ErrorKind classifies request failures
type ErrorKind int

const (
	KindIdentityNotResolvable ErrorKind = iota
	KindDeliveryChannelMismatch
	KindMissingCredentials
	KindInvalidCredentials
	KindExpiredCredentials
	KindMalformedRequestSyntax
	KindOrchestrationNotFound
	KindOrchestrationBackendError
	KindCacheBackendUnavailable
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindIdentityNotResolvable:
		return "identityNotResolvable"
	case KindDeliveryChannelMismatch:
		return "deliveryChannelMismatch"
	case KindMissingCredentials:
		return "missingCredentials"
	case KindInvalidCredentials, KindExpiredCredentials:
		return "invalidCredentials"
	case KindMalformedRequestSyntax:
		return "invalidRequest"
	case KindOrchestrationNotFound, KindNotFound:
		return "notFound"
	case KindOrchestrationBackendError, KindCacheBackendUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Status maps the kind to its HTTP status code
func (k ErrorKind) Status() int {
	switch k {
	case KindIdentityNotResolvable, KindDeliveryChannelMismatch, KindOrchestrationNotFound, KindNotFound:
		return http.StatusNotFound
	case KindMissingCredentials, KindInvalidCredentials, KindExpiredCredentials:
		return http.StatusUnauthorized
	case KindMalformedRequestSyntax:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RequestError is a classified failure carrying a machine-readable code and human description
type RequestError struct {
	Kind        ErrorKind
	Description string
	Err         error
}

// NewRequestError creates a RequestError
func NewRequestError(kind ErrorKind, description string, err error) *RequestError {
	return &RequestError{Kind: kind, Description: description, Err: err}
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Code returns the machine-readable error code
func (e *RequestError) Code() string {
	return e.Kind.String()
}

// Status returns the HTTP status for the error
func (e *RequestError) Status() int {
	return e.Kind.Status()
}

// StatusOf returns the HTTP status for any error, defaulting to 500.
func StatusOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status()
	}
	return http.StatusInternalServerError
}

// AssetError represents an error related to operations on an asset
type AssetError struct {
	AssetID AssetID
	Op      string
	Err     error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset operation %s failed for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
