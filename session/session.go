// Package session holds the per-file upload session records and the store that owns them.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal ...
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Identity keys a session. The nonce keeps two files with the same name and size apart.
type Identity struct {
	Name  string
	Size  int64
	Nonce string
}

// NewIdentity creates an identity with a fresh submission nonce.
func NewIdentity(name string, size int64) Identity {
	return Identity{
		Name:  name,
		Size:  size,
		Nonce: uuid.NewString(),
	}
}

// Key renders the identity as the string used for lookups.
func (i Identity) Key() string {
	return fmt.Sprintf("%s:%d:%s", i.Name, i.Size, i.Nonce)
}

func (i Identity) String() string {
	return i.Key()
}

// Details are the credentials the broker issues for one file.
type Details struct {
	RequestKey    string   `json:"requestKey"`
	UploadID      string   `json:"uploadId,omitempty"`
	PresignedURLs []string `json:"presignedUrls"`
}

// Session is the coordinator's record of one file's upload.
type Session struct {
	Identity      Identity
	RequestKey    string
	UploadID      string
	PresignedURLs []string
	IsMultiPart   bool
	Status        Status
	BytesUploaded int64
	BytesTotal    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// New builds a pending session from the issued details.
func New(id Identity, details Details, multiPart bool) Session {
	now := time.Now()
	return Session{
		Identity:      id,
		RequestKey:    details.RequestKey,
		UploadID:      details.UploadID,
		PresignedURLs: append([]string(nil), details.PresignedURLs...),
		IsMultiPart:   multiPart,
		Status:        StatusPending,
		BytesTotal:    id.Size,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s Session) clone() Session {
	s.PresignedURLs = append([]string(nil), s.PresignedURLs...)
	return s
}
