package core

import (
	"context"

	"github.com/dkeye/Classroom/internal/domain"
)

// OwnershipStore answers read-only linkage lookups.
// Implementations return ErrNotFound when the linkage is missing.
type OwnershipStore interface {
	ModuleOwnerCourse(ctx context.Context, id domain.ModuleID) (domain.CourseID, error)
	CourseTeacher(ctx context.Context, id domain.CourseID) (domain.UserID, error)
}

type ModuleStore interface {
	GetModule(ctx context.Context, id domain.ModuleID) (*domain.Module, error)
	SetModuleStatus(ctx context.Context, id domain.ModuleID, status domain.ModuleStatus) error
}

// ChatStore is the persisted, append-only message table.
type ChatStore interface {
	// History returns every message of the session ascending by (SentAt, ID),
	// with SenderName joined from the profile table where available.
	History(ctx context.Context, id domain.ModuleID) ([]domain.ChatMessage, error)
	// Insert assigns ID and stores msg. Subscribers of the session receive it
	// through their InsertFeed.
	Insert(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id domain.UserID) (*domain.User, error)
}

// Stores bundles every collaborator the session core reads from.
type Stores interface {
	OwnershipStore
	ModuleStore
	ChatStore
	ProfileStore
}
