package txn

import (
	"context"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/transport"
)

// Handler dispatches transaction messages to the local participant and
// coordinator
type Handler struct {
	participant *Participant
	coordinator *Coordinator
}

// NewHandler creates a handler
func NewHandler(participant *Participant, coordinator *Coordinator) *Handler {
	return &Handler{participant: participant, coordinator: coordinator}
}

// Owns reports whether kind is a transaction message
func Owns(kind string) bool {
	switch kind {
	case KindRead, KindPrepare, KindCommit, KindRollback,
		KindBackupPrepare, KindBackupCommit, KindBackupRollback,
		KindStatus, KindDecision:
		return true
	}
	return false
}

// System reports whether kind is served without calling other nodes, so it
// can run on the system pool while peer workers wait on it
func System(kind string) bool {
	switch kind {
	case KindBackupPrepare, KindBackupCommit, KindBackupRollback, KindStatus, KindDecision:
		return true
	}
	return false
}

// Handle serves one request
func (h *Handler) Handle(ctx context.Context, env *transport.Envelope) (interface{}, error) {
	switch env.Kind {
	case KindRead:
		var req ReadRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return h.participant.Read(ctx, &req)

	case KindPrepare:
		var req PrepareRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, h.participant.Prepare(ctx, &req)

	case KindCommit:
		var req CommitRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, h.participant.Commit(ctx, &req)

	case KindRollback:
		var req RollbackRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, h.participant.Rollback(ctx, &req)

	case KindBackupPrepare:
		var req BackupPrepareRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, h.participant.BackupPrepare(ctx, &req)

	case KindBackupCommit:
		var req BackupCommitRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, h.participant.BackupCommit(ctx, &req)

	case KindBackupRollback:
		var req RollbackRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, h.participant.BackupRollback(ctx, &req)

	case KindStatus:
		var req StatusRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return h.participant.Status(&req), nil

	case KindDecision:
		var req DecisionRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return h.coordinator.Decision(&req), nil
	}
	return nil, cerrors.InvalidArgument("unknown message kind "+env.Kind, nil)
}
