package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// AgentStore persists agent identities, their computed reputation, and the
// feedback events validators emit after each proof judgment (spec.md §4.10).
type AgentStore struct {
	db *sql.DB
}

func (s *AgentStore) Create(ctx context.Context, a *domain.AgentIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_identities (id, wallet_address, agent_type, active, on_chain_token_id, display_name, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (wallet_address) DO NOTHING
	`, a.ID, a.WalletAddress, a.AgentType, a.Active, a.OnChainTokenID, a.DisplayName, a.RegisteredAt)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "agent_insert", "insert agent identity", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_reputations (agent_identity_id) VALUES ($1) ON CONFLICT DO NOTHING
	`, a.ID)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "agent_reputation_seed", "seed agent reputation row", err)
	}
	return nil
}

func (s *AgentStore) GetByWallet(ctx context.Context, wallet string) (*domain.AgentIdentity, error) {
	row := s.db.QueryRowContext(ctx, agentSelectCols+` FROM agent_identities WHERE wallet_address = $1`, wallet)
	a, err := scanAgentRow(row)
	if err != nil {
		return nil, notFound("agent identity", err)
	}
	return a, nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*domain.AgentIdentity, error) {
	row := s.db.QueryRowContext(ctx, agentSelectCols+` FROM agent_identities WHERE id = $1`, id)
	a, err := scanAgentRow(row)
	if err != nil {
		return nil, notFound("agent identity", err)
	}
	return a, nil
}

func (s *AgentStore) GetReputation(ctx context.Context, agentID string) (*domain.AgentReputation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_identity_id, confirmed_count, rejected_count, inconclusive_count, total_submissions, score, last_updated
		FROM agent_reputations WHERE agent_identity_id = $1
	`, agentID)
	var rep domain.AgentReputation
	err := row.Scan(&rep.AgentIdentityID, &rep.ConfirmedCount, &rep.RejectedCount, &rep.InconclusiveCount,
		&rep.TotalSubmissions, &rep.Score, &rep.LastUpdated)
	if err != nil {
		return nil, notFound("agent reputation", err)
	}
	return &rep, nil
}

// RecordFeedback inserts a feedback event and updates the researcher's
// reputation counters/score in the same transaction (spec.md §4.10: score
// recomputed as confirmedCount / totalSubmissions after each judgment).
func (s *AgentStore) RecordFeedback(ctx context.Context, fb *domain.AgentFeedback) error {
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_feedback (id, researcher_agent_id, validator_agent_id, feedback_type,
				on_chain_feedback_id, finding_id, validation_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, fb.ID, fb.ResearcherAgentID, fb.ValidatorAgentID, fb.FeedbackType,
			fb.OnChainFeedbackID, fb.FindingID, fb.ValidationID, fb.CreatedAt)
		if err != nil {
			return domain.Wrap(domain.KindTransient, "feedback_insert", "insert agent feedback", err)
		}

		confirmedDelta := 0
		rejectedDelta := 0
		if fb.FeedbackType == domain.FeedbackRejected {
			rejectedDelta = 1
		} else {
			confirmedDelta = 1
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_reputations
			SET confirmed_count = confirmed_count + $1,
			    rejected_count = rejected_count + $2,
			    total_submissions = total_submissions + 1,
			    score = CASE WHEN total_submissions + 1 = 0 THEN 0
			             ELSE (confirmed_count + $1)::double precision / (total_submissions + 1) END,
			    last_updated = now()
			WHERE agent_identity_id = $3
		`, confirmedDelta, rejectedDelta, fb.ResearcherAgentID)
		if err != nil {
			return domain.Wrap(domain.KindTransient, "reputation_update", "update agent reputation", err)
		}
		return nil
	})
}

// ListFeedback returns every feedback event recorded against agentID as a
// researcher, most recent first (spec.md §6 Reputation.getFeedbackHistory).
func (s *AgentStore) ListFeedback(ctx context.Context, agentID string) ([]*domain.AgentFeedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, researcher_agent_id, validator_agent_id, feedback_type, on_chain_feedback_id,
		       finding_id, validation_id, created_at
		FROM agent_feedback WHERE researcher_agent_id = $1 ORDER BY created_at DESC
	`, agentID)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "feedback_list", "list agent feedback", err)
	}
	defer rows.Close()

	var out []*domain.AgentFeedback
	for rows.Next() {
		var fb domain.AgentFeedback
		var onChainFeedbackID, findingID, validationID sql.NullString
		if err := rows.Scan(&fb.ID, &fb.ResearcherAgentID, &fb.ValidatorAgentID, &fb.FeedbackType,
			&onChainFeedbackID, &findingID, &validationID, &fb.CreatedAt); err != nil {
			return nil, err
		}
		if onChainFeedbackID.Valid {
			fb.OnChainFeedbackID = &onChainFeedbackID.String
		}
		if findingID.Valid {
			fb.FindingID = &findingID.String
		}
		if validationID.Valid {
			fb.ValidationID = &validationID.String
		}
		out = append(out, &fb)
	}
	return out, rows.Err()
}

const agentSelectCols = `
	SELECT id, wallet_address, agent_type, active, on_chain_token_id, display_name, registered_at
`

func scanAgentRow(r rowScanner) (*domain.AgentIdentity, error) {
	var a domain.AgentIdentity
	var onChainTokenID, displayName sql.NullString
	err := r.Scan(&a.ID, &a.WalletAddress, &a.AgentType, &a.Active, &onChainTokenID, &displayName, &a.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if onChainTokenID.Valid {
		a.OnChainTokenID = &onChainTokenID.String
	}
	if displayName.Valid {
		a.DisplayName = &displayName.String
	}
	return &a, nil
}
