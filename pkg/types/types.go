package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionState enumerates the upload session lifecycle.
type SessionState string

const (
	StateInitiated            SessionState = "initiated"
	StateReceiving            SessionState = "receiving"
	StateAssembling           SessionState = "assembling"
	StateScanning             SessionState = "scanning"
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	StateCommitted            SessionState = "committed"
	StateFailed               SessionState = "failed"
	StateExpired              SessionState = "expired"
)

// Terminal reports whether the state is final and immutable.
func (s SessionState) Terminal() bool {
	return s == StateCommitted || s == StateFailed || s == StateExpired
}

// RiskLevel classifies the sensitivity of scanned content.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ConfirmDecision is the client's answer to a sensitivity review.
type ConfirmDecision string

const (
	DecisionAcceptAsIs    ConfirmDecision = "accept_as_is"
	DecisionMaskAndAccept ConfirmDecision = "mask_and_accept"
	DecisionReject        ConfirmDecision = "reject"
)

// PIIFinding describes one class of sensitive content found in a file.
type PIIFinding struct {
	Kind  string `json:"kind"` // ssn, credit_card, email, phone
	Count int    `json:"count"`
}

// PIIReport is the result of a sensitivity scan over an assembled file.
type PIIReport struct {
	HasSensitiveContent bool         `json:"has_sensitive_content"`
	RiskLevel           RiskLevel    `json:"risk_level"`
	Findings            []PIIFinding `json:"findings,omitempty"`
	ScannedBytes        int64        `json:"scanned_bytes"`
	ScannedAt           time.Time    `json:"scanned_at"`
}

// User represents a user in the system
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex;not null"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	IsAdmin   bool      `json:"is_admin" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// APIKey represents an API key for programmatic access
type APIKey struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey"`
	UserID     uuid.UUID  `json:"user_id" gorm:"not null"`
	Name       string     `json:"name" gorm:"not null"`
	KeyHash    string     `json:"-" gorm:"not null"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	IsActive   bool       `json:"is_active" gorm:"default:true"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	User       User       `json:"user" gorm:"foreignKey:UserID"`
}

// BeforeCreate generates a UUID for the API key ID
func (a *APIKey) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// UploadSession is the durable record coordinating all chunks belonging to
// one logical file transfer. The session ID is the sole client-side handle.
type UploadSession struct {
	ID                 uuid.UUID    `json:"id" gorm:"primaryKey"`
	OwnerID            uuid.UUID    `json:"owner_id" gorm:"not null;index"`
	FileName           string       `json:"file_name"`
	DeclaredTotalSize  int64        `json:"declared_total_size" gorm:"not null"`
	DeclaredChunkSize  int64        `json:"declared_chunk_size" gorm:"not null"`
	ExpectedChunkCount int          `json:"expected_chunk_count" gorm:"not null"`
	DeclaredSHA256     string       `json:"declared_sha256,omitempty"`
	ComputedSHA256     string       `json:"computed_sha256,omitempty" gorm:"index"`
	ReceivedBitmap     ChunkBitmap  `json:"-"`
	ReceivedCount      int          `json:"received_chunk_count"`
	State              SessionState `json:"state" gorm:"not null;index"`
	FailureReason      string       `json:"failure_reason,omitempty"`
	PIIReport          *PIIReport   `json:"pii_report,omitempty" gorm:"serializer:json"`
	StoragePath        string       `json:"-"`
	StagingReleased    bool         `json:"-"`
	CreatedAt          time.Time    `json:"created_at"`
	LastActivityAt     time.Time    `json:"last_activity_at"`
	ExpiresAt          time.Time    `json:"expires_at" gorm:"index"`
	Owner              User         `json:"-" gorm:"foreignKey:OwnerID"`
}

// BeforeCreate generates a UUID for the session ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// LastChunkSize returns the expected byte length of the final chunk.
func (s *UploadSession) LastChunkSize() int64 {
	rem := s.DeclaredTotalSize % s.DeclaredChunkSize
	if rem == 0 {
		return s.DeclaredChunkSize
	}
	return rem
}

// ChunkReceipt is the outcome of a single chunk submission.
type ChunkReceipt struct {
	SessionID     uuid.UUID `json:"session_id"`
	ChunkIndex    int       `json:"chunk_index"`
	Duplicate     bool      `json:"duplicate"`
	ReceivedCount int       `json:"received_chunk_count"`
	ExpectedCount int       `json:"expected_chunk_count"`
}

// CompletionResult is returned by CompleteUpload and ConfirmCompletion.
type CompletionResult struct {
	SessionID            uuid.UUID  `json:"session_id"`
	Committed            bool       `json:"committed"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Rejected             bool       `json:"rejected,omitempty"`
	SHA256               string     `json:"sha256,omitempty"`
	PIIReport            *PIIReport `json:"pii_report,omitempty"`
}

// InitiateUploadRequest is the body of POST /uploads.
type InitiateUploadRequest struct {
	FileName  string `json:"file_name"`
	TotalSize int64  `json:"total_size" binding:"required"`
	ChunkSize int64  `json:"chunk_size" binding:"required"`
	SHA256    string `json:"sha256,omitempty"`
}

// ConfirmRequest is the body of POST /uploads/:id/confirm.
type ConfirmRequest struct {
	Decision ConfirmDecision `json:"decision" binding:"required"`
}

// ResumeInfo lists the chunk indices a client still needs to send.
type ResumeInfo struct {
	SessionID     uuid.UUID `json:"session_id"`
	MissingChunks []int     `json:"missing_chunks"`
	ReceivedCount int       `json:"received_chunk_count"`
	ExpectedCount int       `json:"expected_chunk_count"`
}

// RegisterRequest is the body for user registration
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest is the body for user login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthToken wraps a JWT issued at login
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
}

// APIResponse is the generic envelope for API responses
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
