package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		details   Details
		multiPart bool
		wantField string
	}{
		{
			name:      "valid multi-part",
			details:   Details{RequestKey: "k", UploadID: "u", PresignedURLs: []string{"a", "b"}},
			multiPart: true,
		},
		{
			name:    "valid single-part",
			details: Details{RequestKey: "k", PresignedURLs: []string{"a"}},
		},
		{
			name:      "empty request key",
			details:   Details{RequestKey: "", PresignedURLs: []string{"a"}},
			wantField: "requestKey",
		},
		{
			name:      "blank request key",
			details:   Details{RequestKey: "   ", PresignedURLs: []string{"a"}},
			wantField: "requestKey",
		},
		{
			name:      "missing url list",
			details:   Details{RequestKey: "k"},
			wantField: "presignedUrls",
		},
		{
			name:      "empty url list",
			details:   Details{RequestKey: "k", PresignedURLs: []string{}},
			wantField: "presignedUrls",
		},
		{
			name:      "empty url entry",
			details:   Details{RequestKey: "k", PresignedURLs: []string{""}},
			wantField: "presignedUrls",
		},
		{
			name:      "multi-part without upload id",
			details:   Details{RequestKey: "k", PresignedURLs: []string{"a", "b"}},
			multiPart: true,
			wantField: "uploadId",
		},
		{
			name:      "multi-part with a single url",
			details:   Details{RequestKey: "k", UploadID: "u", PresignedURLs: []string{"a"}},
			multiPart: true,
			wantField: "presignedUrls",
		},
		{
			name:      "single-part with several urls",
			details:   Details{RequestKey: "k", PresignedURLs: []string{"a", "b"}},
			wantField: "presignedUrls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.details, tt.multiPart)
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}

			var validationErr *DetailsValidationError
			require.True(t, errors.As(err, &validationErr), "got %v", err)
			require.Equal(t, tt.wantField, validationErr.Field)
			require.True(t, errors.Is(err, ErrInvalidDetails))
		})
	}
}
