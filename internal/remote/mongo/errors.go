package mongo

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/medislot/medsync/pkg/model"
)

// Server error codes that mean the write will never succeed.
const (
	codeUnauthorized         = 13
	codeDocumentValidation   = 121
	codeAuthenticationFailed = 18
)

// mapError translates driver errors into model errors so callers can tell
// rejections from outages.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.ErrNotFound
	}
	if model.IsCanceled(err) {
		return model.WrapError(err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return model.Reject(409, "duplicate key", err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeUnauthorized), se.HasErrorCode(codeAuthenticationFailed):
			return model.Reject(403, err.Error(), model.ErrPermissionDenied)
		case se.HasErrorCode(codeDocumentValidation):
			return model.Reject(400, err.Error(), model.ErrInvalidOperation)
		}
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", model.ErrOffline, err)
	}
	return err
}
