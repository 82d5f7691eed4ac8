// Package models provides data model definitions for the feesync sync layer.
package models

import (
	"encoding/json"
	"fmt"
)

// EntityType names a domain collection. Each maps 1:1 onto a remote collection.
type EntityType string

const (
	EntityStudents     EntityType = "students"
	EntityFees         EntityType = "fees"
	EntityInstallments EntityType = "installments"
	EntitySettings     EntityType = "settings"
	EntityTemplates    EntityType = "templates"
	EntityMessages     EntityType = "messages"
)

// EntityTypes lists every known entity type in a stable order.
var EntityTypes = []EntityType{
	EntityStudents,
	EntityFees,
	EntityInstallments,
	EntitySettings,
	EntityTemplates,
	EntityMessages,
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if e == known {
			return true
		}
	}
	return false
}

// OperationType is the kind of deferred write.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Valid reports whether o is create, update or delete.
func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// OperationStatus represents the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusFailed     OperationStatus = "failed"
	StatusCompleted  OperationStatus = "completed"
)

// Priority orders dispatch. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = 1 // payments, receipts
	PriorityHigh     Priority = 2 // student data, fees
	PriorityNormal   Priority = 3 // settings, templates
	PriorityLow      Priority = 4 // analytics, logs
)

// Valid reports whether p is one of the four standing tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority accepts a tier name or number.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical", "1":
		return PriorityCritical, nil
	case "high", "2":
		return PriorityHigh, nil
	case "normal", "3", "":
		return PriorityNormal, nil
	case "low", "4":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// DefaultMaxRetries is the retry ceiling applied to new operations.
const DefaultMaxRetries = 3

// SyncOperation is a unit of deferred work against the remote store.
type SyncOperation struct {
	ID            string          `db:"id" json:"id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Data          json.RawMessage `db:"data" json:"data"`
	Timestamp     int64           `db:"timestamp" json:"timestamp"` // unix milliseconds, strictly increasing per queue
	Priority      Priority        `db:"priority" json:"priority"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	Status        OperationStatus `db:"status" json:"status"`
	Error         *string         `db:"error" json:"error,omitempty"`
	SchoolID      *string         `db:"school_id" json:"school_id,omitempty"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_queue"
}

// SameEntity reports whether both operations target the same record.
func (op SyncOperation) SameEntity(entityType EntityType, entityID string) bool {
	return op.EntityType == entityType && op.EntityID == entityID
}

// Exhausted reports whether the retry ceiling has been reached.
func (op SyncOperation) Exhausted() bool {
	return op.RetryCount >= op.MaxRetries
}

// ErrorMessage returns the last failure message or "".
func (op SyncOperation) ErrorMessage() string {
	if op.Error == nil {
		return ""
	}
	return *op.Error
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
