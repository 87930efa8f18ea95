package txn

import (
	"context"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"go.uber.org/zap"
)

// orphan is a prepared transaction selected for recovery
type orphan struct {
	id           model.TxnID
	coordinator  model.NodeID
	participants []model.NodeID
	// owned are keys this node commits as primary
	owned []model.Key
	// stale are backup keys whose primary is alive but never finished them
	stale map[model.NodeID][]model.Key
}

// Recover resolves prepared transactions whose coordinator left the
// topology or which outlived the recovery timeout. It returns the number of
// transactions it finished.
func (p *Participant) Recover(ctx context.Context) int {
	resolved := 0
	for _, o := range p.orphans(time.Now()) {
		if len(o.owned) > 0 {
			state := p.resolve(ctx, o)
			if state == "" {
				continue
			}
			p.logger.Info("Recovering prepared transaction",
				zap.String("txn_id", string(o.id)),
				zap.String("coordinator", string(o.coordinator)),
				zap.String("decision", string(state)),
				zap.Int("keys", len(o.owned)))

			var err error
			if state == model.TxnCommitted {
				err = p.Commit(ctx, &CommitRequest{TxnID: o.id, Keys: o.owned})
			} else {
				err = p.Rollback(ctx, &RollbackRequest{TxnID: o.id, Keys: o.owned})
			}
			if err != nil {
				p.logger.Warn("Failed to recover transaction",
					zap.String("txn_id", string(o.id)),
					zap.Error(err))
				continue
			}
			p.counters.TxRecovered.Add(1)
			resolved++
		}
		for primary, keys := range o.stale {
			p.releaseStale(ctx, o.id, primary, keys)
		}
	}
	p.prune(time.Now())
	return resolved
}

func (p *Participant) orphans(now time.Time) []orphan {
	topo := p.routing.Topology()

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []orphan
	for id, st := range p.prepared {
		age := now.Sub(st.at)
		if topo.Contains(st.coordinator) && age < p.cfg.RecoveryTimeout {
			continue
		}
		o := orphan{
			id:           id,
			coordinator:  st.coordinator,
			participants: st.participants,
			stale:        make(map[model.NodeID][]model.Key),
		}
		for k, w := range st.writes {
			switch {
			case w.primary == p.self || p.routing.IsPrimary(w.Partition, p.self):
				o.owned = append(o.owned, k)
			case topo.Contains(w.primary) && age >= 2*p.cfg.RecoveryTimeout:
				o.stale[w.primary] = append(o.stale[w.primary], k)
			}
		}
		if len(o.owned) > 0 || len(o.stale) > 0 {
			out = append(out, o)
		}
	}
	return out
}

// resolve decides an orphan. The coordinator's decision log wins; without a
// coordinator any committed participant means commit, any participant that
// rolled back or never prepared means rollback, and a fully prepared set
// commits. An empty result means undecided.
func (p *Participant) resolve(ctx context.Context, o orphan) model.TxnState {
	if st := p.Status(&StatusRequest{TxnID: o.id}).State; st == model.TxnCommitted || st == model.TxnRolledBack {
		return st
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PrepareTimeout)
	defer cancel()

	if p.routing.Topology().Contains(o.coordinator) {
		var resp StatusResponse
		err := p.transport.Call(ctx, o.coordinator, KindDecision, &DecisionRequest{TxnID: o.id, Resolve: true}, &resp)
		if err == nil {
			switch resp.State {
			case model.TxnCommitting, model.TxnCommitted:
				return model.TxnCommitted
			case model.TxnActive, model.TxnPreparing:
				return ""
			default:
				return model.TxnRolledBack
			}
		}
		p.logger.Warn("Coordinator unreachable during recovery",
			zap.String("txn_id", string(o.id)),
			zap.String("coordinator", string(o.coordinator)),
			zap.Error(err))
	}

	rolledBack := false
	for _, node := range o.participants {
		if node == p.self {
			continue
		}
		var resp StatusResponse
		if err := p.transport.Call(ctx, node, KindStatus, &StatusRequest{TxnID: o.id}, &resp); err != nil {
			if !cerrors.HasCode(err, cerrors.ErrCodeParticipantUnreachable) {
				p.logger.Warn("Status query failed", zap.String("node_id", string(node)), zap.Error(err))
			}
			continue
		}
		switch resp.State {
		case model.TxnCommitted:
			return model.TxnCommitted
		case model.TxnRolledBack, model.TxnUnknown:
			rolledBack = true
		}
	}
	if rolledBack {
		return model.TxnRolledBack
	}
	return model.TxnCommitted
}

// releaseStale frees backup locks whose primary finished the transaction
// without reaching this node
func (p *Participant) releaseStale(ctx context.Context, id model.TxnID, primary model.NodeID, keys []model.Key) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PrepareTimeout)
	defer cancel()

	var resp StatusResponse
	if err := p.transport.Call(ctx, primary, KindStatus, &StatusRequest{TxnID: id}, &resp); err != nil {
		return
	}
	if resp.State == model.TxnPrepared {
		return
	}
	state := resp.State
	if state != model.TxnCommitted {
		state = model.TxnRolledBack
	}
	p.logger.Warn("Releasing stale backup locks",
		zap.String("txn_id", string(id)),
		zap.String("primary", string(primary)),
		zap.String("primary_state", string(resp.State)),
		zap.Int("keys", len(keys)))
	p.finish(id, p.claim(id, keys), state)
}

func (p *Participant) prune(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.outcomes {
		if now.Sub(o.at) > p.cfg.DecisionRetention {
			delete(p.outcomes, id)
		}
	}
}
