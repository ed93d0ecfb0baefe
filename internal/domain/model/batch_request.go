package model

import (
	"time"

	"github.com/google/uuid"
)

type BatchRequestStatus string

const (
	BatchRequestStatusPending    BatchRequestStatus = "pending"
	BatchRequestStatusQueued     BatchRequestStatus = "queued"
	BatchRequestStatusProcessing BatchRequestStatus = "processing"
	BatchRequestStatusCompleted  BatchRequestStatus = "completed"
	BatchRequestStatusError      BatchRequestStatus = "error"
)

func (s BatchRequestStatus) Terminal() bool {
	return s == BatchRequestStatusCompleted || s == BatchRequestStatusError
}

type OperationType string

const (
	OpSpamFilter OperationType = "spam_filter"
	OpCategorize OperationType = "categorize"
	OpVerify     OperationType = "verify"
	OpCluster    OperationType = "cluster"
	OpMatch      OperationType = "match"
	OpCustom     OperationType = "custom"
)

func (o OperationType) Valid() bool {
	switch o {
	case OpSpamFilter, OpCategorize, OpVerify, OpCluster, OpMatch, OpCustom:
		return true
	}
	return false
}

// Request priorities; lower drains first.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// BatchRequest is one queued single-item AI call awaiting bulk submission.
type BatchRequest struct {
	RequestID     string
	CreatedAt     time.Time
	OperationType OperationType
	CorrelationID string
	SystemPrompt  string
	UserPrompt    string
	Model         string
	MaxTokens     int
	Temperature   float64
	JSONMode      bool
	Priority      int
	Status        BatchRequestStatus
	JobID         string
	ResultPayload string
	Error         string
	UpdatedAt     time.Time
}

func NewBatchRequest(op OperationType, correlationID, systemPrompt, userPrompt, modelName string) *BatchRequest {
	now := time.Now()
	return &BatchRequest{
		RequestID:     uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
		OperationType: op,
		CorrelationID: correlationID,
		SystemPrompt:  systemPrompt,
		UserPrompt:    userPrompt,
		Model:         modelName,
		Priority:      PriorityNormal,
		Status:        BatchRequestStatusPending,
	}
}
