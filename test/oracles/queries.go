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

// All lists ledger invariants as queries that return rows only on violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_custody_covers_open_escrows",
			SQL: `SELECT c.amount, o.total FROM ledger_custody c,
                  (SELECT COALESCE(SUM(amount), 0) AS total FROM escrows WHERE NOT is_settled) o
                  WHERE c.amount <> o.total`,
		},
		{
			Name: "O2_ids_contiguous",
			SQL: `SELECT COUNT(*), COALESCE(MAX(id) + 1, 0) FROM escrows
                  HAVING COUNT(*) <> COALESCE(MAX(id) + 1, 0)`,
		},
		{
			Name: "O3_votes_require_decision",
			SQL: `SELECT v.escrow_id, v.voter FROM escrow_votes v
                  JOIN escrows e ON e.id = v.escrow_id
                  WHERE NOT e.client_decision_given`,
		},
		{
			Name: "O4_voters_are_neutral",
			SQL: `SELECT v.escrow_id, v.voter FROM escrow_votes v
                  JOIN escrows e ON e.id = v.escrow_id
                  WHERE v.voter IN (e.client, e.worker)`,
		},
		{
			Name: "O5_settlement_pays_a_party",
			SQL: `SELECT id, paid_to FROM escrows
                  WHERE is_settled AND (paid_to NOT IN (client, worker) OR settled_at IS NULL OR is_disputed)`,
		},
		{
			Name: "O6_decision_follows_submission",
			SQL:  `SELECT id FROM escrows WHERE (client_decision_given OR is_disputed) AND submission = ''`,
		},
		{
			Name: "O7_dispute_implies_decision",
			SQL:  `SELECT id FROM escrows WHERE is_disputed AND NOT client_decision_given`,
		},
		{
			Name: "O8_balances_match_payouts",
			SQL: `SELECT COALESCE(b.address, p.paid_to), b.balance, p.total FROM ledger_balances b
                  FULL JOIN (SELECT paid_to, SUM(amount) AS total FROM escrows WHERE is_settled GROUP BY paid_to) p
                    ON p.paid_to = b.address
                  WHERE COALESCE(b.balance, 0) <> COALESCE(p.total, 0)`,
		},
		{
			Name: "O9_escrow_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_escrows')`,
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
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
