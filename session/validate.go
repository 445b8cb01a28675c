package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDetails is wrapped by every DetailsValidationError.
var ErrInvalidDetails = errors.New("invalid upload details")

// DetailsValidationError reports issued credentials that cannot drive an upload.
type DetailsValidationError struct {
	Field  string
	Reason string
}

func (e *DetailsValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidDetails, e.Field, e.Reason)
}

// Unwrap ...
func (e *DetailsValidationError) Unwrap() error {
	return ErrInvalidDetails
}

// ValidateShape checks the fields every upload needs, regardless of its part count.
func ValidateShape(details Details) error {
	if strings.TrimSpace(details.RequestKey) == "" {
		return &DetailsValidationError{Field: "requestKey", Reason: "must not be empty"}
	}
	if details.PresignedURLs == nil {
		return &DetailsValidationError{Field: "presignedUrls", Reason: "must be a list"}
	}
	if len(details.PresignedURLs) == 0 {
		return &DetailsValidationError{Field: "presignedUrls", Reason: "must not be empty"}
	}
	for i, u := range details.PresignedURLs {
		if strings.TrimSpace(u) == "" {
			return &DetailsValidationError{Field: "presignedUrls", Reason: fmt.Sprintf("item %d must not be empty", i)}
		}
	}
	return nil
}

// Validate checks the details against the session shape they have to satisfy.
func Validate(details Details, multiPart bool) error {
	if err := ValidateShape(details); err != nil {
		return err
	}

	if multiPart {
		if strings.TrimSpace(details.UploadID) == "" {
			return &DetailsValidationError{Field: "uploadId", Reason: "is required for multi-part uploads"}
		}
		if len(details.PresignedURLs) < 2 {
			return &DetailsValidationError{Field: "presignedUrls", Reason: "multi-part uploads need at least two urls"}
		}
		return nil
	}

	if len(details.PresignedURLs) != 1 {
		return &DetailsValidationError{Field: "presignedUrls", Reason: fmt.Sprintf("single-part uploads need exactly one url, got %d", len(details.PresignedURLs))}
	}
	return nil
}
