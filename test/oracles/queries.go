package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ledger_balanced",
			SQL: `SELECT a.account, a.balance, COALESCE(e.total, 0)
                  FROM ledger_accounts a
                  LEFT JOIN (SELECT account, SUM(amount) AS total FROM ledger_entries GROUP BY account) e
                    ON e.account = a.account
                  WHERE a.balance <> COALESCE(e.total, 0)`,
		},
		{
			Name: "O2_bond_escrowed",
			SQL: `SELECT d.id FROM disputes d
                  WHERE NOT EXISTS (
                      SELECT 1 FROM ledger_entries e
                      WHERE e.reference = 'dispute:' || d.id || ':bond' AND e.amount = -d.bond)`,
		},
		{
			Name: "O3_terminal_paid_out",
			SQL: `SELECT d.id, d.phase FROM disputes d
                  WHERE d.phase IN ('executed','rejected')
                    AND NOT EXISTS (
                      SELECT 1 FROM ledger_entries e
                      WHERE e.reference = 'dispute:' || d.id || ':payout' AND e.amount = d.bond)`,
		},
		{
			Name: "O4_tally_matches_ballots",
			SQL: `SELECT d.id, d.round, d.total_votes, COALESCE(v.cnt, 0)
                  FROM disputes d
                  LEFT JOIN (
                      SELECT dispute_id, round, COUNT(*) AS cnt,
                             COUNT(*) FILTER (WHERE supports_challenger) AS pro
                      FROM dispute_votes GROUP BY dispute_id, round) v
                    ON v.dispute_id = d.id AND v.round = d.round
                  WHERE d.total_votes <> COALESCE(v.cnt, 0)
                     OR d.votes_for <> COALESCE(v.pro, 0)`,
		},
		{
			Name: "O5_ballots_from_committee",
			SQL: `SELECT v.dispute_id, v.arbitrator FROM dispute_votes v
                  JOIN disputes d ON d.id = v.dispute_id AND d.round = v.round
                  WHERE NOT (v.arbitrator = ANY(d.committee))`,
		},
		{
			Name: "O6_evidence_seq_contiguous",
			SQL: `SELECT dispute_id FROM dispute_evidence
                  GROUP BY dispute_id HAVING MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O7_resolution_recorded",
			SQL: `SELECT id, phase FROM disputes
                  WHERE (phase IN ('resolved','executed') AND (resolution_hash = '' OR resolved_at IS NULL))
                     OR (phase = 'executed' AND executed_at IS NULL)`,
		},
		{
			Name: "O8_quorum_within_committee",
			SQL: `SELECT id, quorum, cardinality(committee) FROM disputes
                  WHERE phase <> 'pending' AND (quorum < 1 OR quorum > cardinality(committee))`,
		},
		{
			Name: "O9_executed_outcomes_booked",
			SQL: `SELECT d.id, m.arbitrator FROM disputes d
                  CROSS JOIN LATERAL unnest(d.committee) AS m(arbitrator)
                  WHERE d.phase = 'executed'
                    AND NOT EXISTS (
                      SELECT 1 FROM arbitrator_outcomes o
                      WHERE o.reference = 'dispute:' || d.id || ':arbitrator:' || m.arbitrator)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
