// Package gate decides whether a requester may open a classroom session.
package gate

import (
	"context"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type Gate struct {
	Store core.OwnershipStore
}

func New(store core.OwnershipStore) *Gate {
	return &Gate{Store: store}
}

// VerifyOwnership reports whether requester teaches the course that owns the
// module. It fails closed: any lookup error or missing linkage is false.
func (g *Gate) VerifyOwnership(ctx context.Context, id domain.ModuleID, requester domain.UserID) bool {
	logger := log.With().Str("module", "app.gate").Str("session", string(id)).Str("identity", string(requester)).Logger()
	if g == nil || g.Store == nil || requester == "" || id == "" {
		logger.Warn().Msg("ownership check without store or identity")
		return false
	}

	courseID, err := g.Store.ModuleOwnerCourse(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("module owner course lookup failed")
		return false
	}
	if courseID == "" {
		logger.Warn().Msg("module has no owning course")
		return false
	}

	teacherID, err := g.Store.CourseTeacher(ctx, courseID)
	if err != nil {
		logger.Warn().Err(err).Str("course", string(courseID)).Msg("course teacher lookup failed")
		return false
	}
	if teacherID == "" {
		logger.Warn().Str("course", string(courseID)).Msg("course has no teacher")
		return false
	}

	ok := teacherID == requester
	logger.Debug().Bool("owner", ok).Msg("ownership checked")
	return ok
}
