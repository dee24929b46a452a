package orch

import (
	"context"

	"github.com/dkeye/Classroom/internal/app/media"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/sourcegraph/conc"
)

var _ MediaController = (*media.Manager)(nil)

// HangUp ends the class for everyone: it releases every local resource, then
// marks the module finished. Only the first call runs; later calls get
// ErrHangUpInFlight. A failed finalize write is returned after release.
func (o *Orchestrator) HangUp(ctx context.Context) error {
	if !o.hanging.CompareAndSwap(false, true) {
		return core.ErrHangUpInFlight
	}
	o.mu.Lock()
	if !o.state.CompareAndSwap(int32(Live), int32(Ended)) {
		o.mu.Unlock()
		o.hanging.Store(false)
		return core.NewError(core.ErrAccessDenied, "orch.hang_up", ErrNotLive)
	}
	id := o.session
	o.mu.Unlock()

	logger := o.logger()
	logger.Info().Msg("hang-up")
	o.release()
	defer o.end()

	if err := o.Modules.SetModuleStatus(ctx, id, domain.ModuleFinished); err != nil {
		logger.Error().Err(err).Msg("finalize write failed")
		return core.NewError(core.ErrFinalizeWriteFailed, "orch.hang_up", err)
	}
	logger.Info().Msg("module finished")
	return nil
}

// Teardown releases every resource without finalizing the module. It is the
// exit path for navigation away and is safe to call at any time, any number
// of times.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	prev := State(o.state.Swap(int32(Ended)))
	o.mu.Unlock()
	o.release()
	o.end()
	if prev != Ended {
		logger := o.logger()
		logger.Info().Str("from", prev.String()).Msg("teardown")
	}
}

// release unsubscribes presence and chat while media is stopped. It runs once.
func (o *Orchestrator) release() {
	o.released.Do(func() {
		o.mu.Lock()
		id, roster, chatLog := o.session, o.roster, o.chatLog
		o.mu.Unlock()
		logger := o.logger()

		var wg conc.WaitGroup
		wg.Go(func() {
			if roster != nil {
				roster.Close()
			}
			if o.Presence != nil && id != "" {
				if err := o.Presence.Leave(id); err != nil {
					logger.Error().Err(err).Msg("presence leave failed")
				}
			}
		})
		wg.Go(func() {
			if chatLog != nil {
				_ = chatLog.Close()
			}
		})
		wg.Go(func() {
			if o.Media != nil {
				if err := o.Media.ReleaseAll(); err != nil {
					logger.Error().Err(err).Msg("media release failed")
				}
			}
		})
		wg.Wait()
		logger.Info().Msg("resources released")
	})
}
