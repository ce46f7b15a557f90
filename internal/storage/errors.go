package storage

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// TransferError is the normalized form of every object storage failure.
// Code and Message carry the provider's error when one was returned.
type TransferError struct {
	Op      string
	Key     string
	Code    string
	Message string
	Err     error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("storage %s %s: %s", e.Op, e.Key, e.Message)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

func newTransferError(op, key string, err error) *TransferError {
	te := &TransferError{Op: op, Key: key, Message: err.Error(), Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		te.Code = apiErr.ErrorCode()
		te.Message = apiErr.ErrorMessage()
	}
	return te
}

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code == "NoSuchKey" || te.Code == "NotFound"
	}
	return false
}
