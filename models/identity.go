// ABOUTME: Deterministic identity for externally sourced and derived entities
// ABOUTME: Maps stable external keys to fixed UUIDv5 ids so re-ingestion updates instead of duplicating
package models

import (
	"strings"

	"github.com/google/uuid"
)

// identityNamespace is the UUIDv5 namespace for every derived id. Changing it
// re-keys every synced record.
var identityNamespace = uuid.MustParse("6f1c2b9e-4a57-5d0e-9a63-2b7c8e1f0d34")

// DeterministicID hashes kind and parts into a stable id. The same inputs
// always give the same id, across processes and restarts.
func DeterministicID(kind string, parts ...string) string {
	key := kind + "\x1f" + strings.Join(parts, "\x1f")
	return uuid.NewSHA1(identityNamespace, []byte(key)).String()
}

// EmailID is the internal id of a provider message synced into scope.
func EmailID(scope Scope, provider, messageID string) string {
	return DeterministicID(string(TypeEmail), scope.WorkspaceID, scope.UserID, provider, messageID)
}

// EventID is the internal id of a provider calendar event synced into scope.
func EventID(scope Scope, provider, eventID string) string {
	return DeterministicID(string(TypeCalendarEvent), scope.WorkspaceID, scope.UserID, provider, eventID)
}

// AccountID is the id of the credential entity for (scope, provider).
func AccountID(scope Scope, accountType EntityType) string {
	return DeterministicID(string(accountType), scope.WorkspaceID, scope.UserID)
}

// ContactID is the id an auto-created contact gets for a normalized email.
func ContactID(scope Scope, email string) string {
	return DeterministicID(string(TypeContact), scope.WorkspaceID, scope.UserID, NormalizeEmail(email))
}

// CompanyID is the id an auto-created company gets for a domain. Companies
// are workspace-shared so the user part of scope is ignored.
func CompanyID(workspaceID, domain string) string {
	return DeterministicID(string(TypeCompany), workspaceID, NormalizeEmail(domain))
}

// NewID returns a random id for internally created entities.
func NewID() string {
	return uuid.New().String()
}

// NormalizeEmail lowercases and trims an address or domain for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
