package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

type ObjectType string

const (
	ObjectTypeRow        ObjectType = "row"
	ObjectTypeAttachment ObjectType = "attachment"
)

// Routable reports whether events of this object type are worth processing.
// The provider also emits cell, column, sheet and discussion events; those are noise here.
func (t ObjectType) Routable() bool {
	return t == ObjectTypeRow || t == ObjectTypeAttachment
}

type EventAction string

const (
	EventActionCreated EventAction = "created"
	EventActionUpdated EventAction = "updated"
	EventActionDeleted EventAction = "deleted"
)

// ParseEventAction is case-insensitive and returns the lower-case action.
func ParseEventAction(raw string) (EventAction, error) {
	switch a := EventAction(strings.ToLower(strings.TrimSpace(raw))); a {
	case EventActionCreated, EventActionUpdated, EventActionDeleted:
		return a, nil
	default:
		return "", fmt.Errorf("unknown event action %q", raw)
	}
}

type LedgerStatus string

const (
	LedgerStatusPending LedgerStatus = "PENDING"
	LedgerStatusSuccess LedgerStatus = "SUCCESS"
	LedgerStatusFailed  LedgerStatus = "FAILED"
)

func (s *LedgerStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		*s = LedgerStatus(v)
	case string:
		*s = LedgerStatus(v)
	default:
		return errors.New("type assertion to LedgerStatus failed")
	}
	return nil
}

func (s LedgerStatus) Value() (driver.Value, error) {
	return string(s), nil
}

type MappingDecision string

const (
	MappingDecisionAuto     MappingDecision = "AUTO"
	MappingDecisionOverride MappingDecision = "OVERRIDE"
	MappingDecisionManual   MappingDecision = "MANUAL"
	MappingDecisionReview   MappingDecision = "REVIEW"
)

// Resolved is false only for REVIEW; MANUAL decisions come from people, never from the engine.
func (d MappingDecision) Resolved() bool {
	switch d {
	case MappingDecisionAuto, MappingDecisionOverride, MappingDecisionManual:
		return true
	}
	return false
}

type ScopeType string

const (
	ScopeTypeLPO      ScopeType = "LPO"
	ScopeTypeProject  ScopeType = "PROJECT"
	ScopeTypeCustomer ScopeType = "CUSTOMER"
)

// ScopePrecedence lists override scopes from most to least specific.
var ScopePrecedence = []ScopeType{ScopeTypeLPO, ScopeTypeProject, ScopeTypeCustomer}

type MaterialType string

const (
	MaterialTypePanel      MaterialType = "PANEL"
	MaterialTypeProfile    MaterialType = "PROFILE"
	MaterialTypeAccessory  MaterialType = "ACCESSORY"
	MaterialTypeConsumable MaterialType = "CONSUMABLE"
	MaterialTypeMachine    MaterialType = "MACHINE"
)

type ExceptionStatus string

const (
	ExceptionStatusOpen     ExceptionStatus = "OPEN"
	ExceptionStatusResolved ExceptionStatus = "RESOLVED"
)

// UploadStatus tracks a nesting upload row through BOM generation.
type UploadStatus string

const (
	UploadStatusReceived     UploadStatus = "RECEIVED"
	UploadStatusDuplicate    UploadStatus = "DUPLICATE"
	UploadStatusBOMGenerated UploadStatus = "BOM_GENERATED"
	UploadStatusBOMReview    UploadStatus = "BOM_REVIEW"
	UploadStatusBOMFailed    UploadStatus = "BOM_FAILED"
)

type TagStatus string

const (
	TagStatusAccepted TagStatus = "ACCEPTED"
	TagStatusRejected TagStatus = "REJECTED"
)
