// Package checkpoint is the durable state that survives a restart:
// registered deployments, the governance policy, the emergency-stop flag,
// non-terminal CycleContexts (and the Round/Deployment each was started
// against), and the signing-nonce high-water mark. It satisfies the
// narrow Persister interfaces strategy.Engine, emergency.Stop,
// coordinator.Coordinator, and nonce.Manager each depend on, so every
// component that needs durability takes this one Store rather than five
// bespoke tables.
//
// Schema and the pure-Go sqlite driver (modernc.org/sqlite, already used
// by internal/idempotency) mirror that package's "open a handle, migrate
// on construction" shape.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// Store is the sqlite-backed durable state store.
type Store struct {
	db     *sql.DB
	logger core.ILogger

	nonceMu sync.Mutex // serializes the read-increment-write nonce sequence
}

// New wraps an already-open sqlite handle, creating the schema if absent.
func New(db *sql.DB, logger core.ILogger) (*Store, error) {
	s := &Store{db: db, logger: logger.WithField("component", "checkpoint_store")}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS deployments (
			id                TEXT PRIMARY KEY,
			domain            TEXT NOT NULL,
			strategy_version  TEXT NOT NULL,
			lifecycle_stage   TEXT NOT NULL,
			enabled           INTEGER NOT NULL,
			allocated_capital TEXT NOT NULL,
			product_type      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS governance_policy (
			id                   INTEGER PRIMARY KEY CHECK (id = 1),
			version              INTEGER NOT NULL,
			global_ingress_mode  TEXT NOT NULL,
			domain_ingress_modes TEXT NOT NULL,
			domain_exposure_caps TEXT NOT NULL,
			domain_daily_loss    TEXT NOT NULL,
			account_reserve_pct  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS emergency_halt_state (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			tripped INTEGER NOT NULL,
			reason  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS round_snapshots (
			round_id       TEXT PRIMARY KEY,
			slug           TEXT NOT NULL,
			condition_id   TEXT NOT NULL,
			up_token_id    TEXT NOT NULL,
			down_token_id  TEXT NOT NULL,
			start_time     INTEGER NOT NULL,
			end_time       INTEGER NOT NULL,
			deployment_id  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cycle_contexts (
			round_id             TEXT PRIMARY KEY,
			state                TEXT NOT NULL,
			version              INTEGER NOT NULL,
			leg1_token           TEXT NOT NULL,
			leg1_price           TEXT NOT NULL,
			leg1_shares_filled   TEXT NOT NULL,
			leg2_token           TEXT NOT NULL,
			leg2_price           TEXT NOT NULL,
			leg2_shares_target   TEXT NOT NULL,
			force_leg2_attempted INTEGER NOT NULL,
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS nonce_counters (
			wallet TEXT PRIMARY KEY,
			next   INTEGER NOT NULL
		);
	`)
	return err
}

// SaveDeployment upserts a deployment registration. Satisfies
// coordinator.Persister.
func (s *Store) SaveDeployment(ctx context.Context, dep domain.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, domain, strategy_version, lifecycle_stage, enabled, allocated_capital, product_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			domain = excluded.domain,
			strategy_version = excluded.strategy_version,
			lifecycle_stage = excluded.lifecycle_stage,
			enabled = excluded.enabled,
			allocated_capital = excluded.allocated_capital,
			product_type = excluded.product_type
	`, dep.ID, dep.Domain, dep.StrategyVersion, string(dep.LifecycleStage), boolToInt(dep.Enabled), dep.AllocatedCapital.String(), dep.ProductType)
	if err != nil {
		return fmt.Errorf("checkpoint: save deployment: %w", err)
	}
	return nil
}

// LoadDeployments returns every registered deployment, for replaying into
// Coordinator.RegisterDeployment at startup.
func (s *Store) LoadDeployments(ctx context.Context) ([]domain.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, strategy_version, lifecycle_stage, enabled, allocated_capital, product_type FROM deployments
	`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load deployments: %w", err)
	}
	defer rows.Close()

	var out []domain.Deployment
	for rows.Next() {
		var dep domain.Deployment
		var lifecycle string
		var enabled int
		var capital string
		if err := rows.Scan(&dep.ID, &dep.Domain, &dep.StrategyVersion, &lifecycle, &enabled, &capital, &dep.ProductType); err != nil {
			return nil, fmt.Errorf("checkpoint: scan deployment: %w", err)
		}
		dep.LifecycleStage = domain.LifecycleStage(lifecycle)
		dep.Enabled = enabled != 0
		dep.AllocatedCapital, err = decimal.NewFromString(capital)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse allocated_capital: %w", err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// SavePolicy persists the governance policy as a single row, overwriting
// the previous one. Map-valued fields are stored as JSON.
func (s *Store) SavePolicy(ctx context.Context, policy domain.GovernancePolicy) error {
	ingressJSON, err := json.Marshal(policy.DomainIngressModes)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal domain ingress modes: %w", err)
	}
	exposureJSON, err := json.Marshal(stringifyDecimals(policy.DomainExposureCaps))
	if err != nil {
		return fmt.Errorf("checkpoint: marshal domain exposure caps: %w", err)
	}
	lossJSON, err := json.Marshal(stringifyDecimals(policy.DomainDailyLossCap))
	if err != nil {
		return fmt.Errorf("checkpoint: marshal domain daily loss caps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO governance_policy (id, version, global_ingress_mode, domain_ingress_modes, domain_exposure_caps, domain_daily_loss, account_reserve_pct)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			global_ingress_mode = excluded.global_ingress_mode,
			domain_ingress_modes = excluded.domain_ingress_modes,
			domain_exposure_caps = excluded.domain_exposure_caps,
			domain_daily_loss = excluded.domain_daily_loss,
			account_reserve_pct = excluded.account_reserve_pct
	`, policy.Version, string(policy.GlobalIngressMode), string(ingressJSON), string(exposureJSON), string(lossJSON), policy.AccountReservePct.String())
	if err != nil {
		return fmt.Errorf("checkpoint: save policy: %w", err)
	}
	return nil
}

// LoadPolicy returns the persisted governance policy, or the zero value
// (global ingress defaults to Open) if none was ever saved.
func (s *Store) LoadPolicy(ctx context.Context) (domain.GovernancePolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, global_ingress_mode, domain_ingress_modes, domain_exposure_caps, domain_daily_loss, account_reserve_pct
		FROM governance_policy WHERE id = 1
	`)

	var policy domain.GovernancePolicy
	var globalMode, ingressJSON, exposureJSON, lossJSON, reservePct string
	err := row.Scan(&policy.Version, &globalMode, &ingressJSON, &exposureJSON, &lossJSON, &reservePct)
	if err == sql.ErrNoRows {
		return domain.GovernancePolicy{GlobalIngressMode: domain.IngressOpen}, nil
	}
	if err != nil {
		return domain.GovernancePolicy{}, fmt.Errorf("checkpoint: load policy: %w", err)
	}

	policy.GlobalIngressMode = domain.IngressMode(globalMode)
	if err := json.Unmarshal([]byte(ingressJSON), &policy.DomainIngressModes); err != nil {
		return domain.GovernancePolicy{}, fmt.Errorf("checkpoint: unmarshal domain ingress modes: %w", err)
	}
	var exposureStrs, lossStrs map[string]string
	if err := json.Unmarshal([]byte(exposureJSON), &exposureStrs); err != nil {
		return domain.GovernancePolicy{}, fmt.Errorf("checkpoint: unmarshal domain exposure caps: %w", err)
	}
	if err := json.Unmarshal([]byte(lossJSON), &lossStrs); err != nil {
		return domain.GovernancePolicy{}, fmt.Errorf("checkpoint: unmarshal domain daily loss caps: %w", err)
	}
	policy.DomainExposureCaps, err = parseDecimals(exposureStrs)
	if err != nil {
		return domain.GovernancePolicy{}, err
	}
	policy.DomainDailyLossCap, err = parseDecimals(lossStrs)
	if err != nil {
		return domain.GovernancePolicy{}, err
	}
	policy.AccountReservePct, err = decimal.NewFromString(reservePct)
	if err != nil {
		return domain.GovernancePolicy{}, fmt.Errorf("checkpoint: parse account_reserve_pct: %w", err)
	}
	return policy, nil
}

// SaveHaltState persists the emergency-stop flag. Satisfies
// emergency.Persister.
func (s *Store) SaveHaltState(ctx context.Context, tripped bool, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_halt_state (id, tripped, reason) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tripped = excluded.tripped, reason = excluded.reason
	`, boolToInt(tripped), reason)
	if err != nil {
		return fmt.Errorf("checkpoint: save halt state: %w", err)
	}
	return nil
}

// LoadHaltState returns the persisted emergency-stop flag, defaulting to
// not-tripped if never saved.
func (s *Store) LoadHaltState(ctx context.Context) (tripped bool, reason string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT tripped, reason FROM emergency_halt_state WHERE id = 1`)
	var trippedInt int
	err = row.Scan(&trippedInt, &reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("checkpoint: load halt state: %w", err)
	}
	return trippedInt != 0, reason, nil
}

// SaveRound persists the Round/Deployment a cycle was started against.
// Satisfies strategy.Persister.
func (s *Store) SaveRound(ctx context.Context, round domain.Round, dep domain.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO round_snapshots (round_id, slug, condition_id, up_token_id, down_token_id, start_time, end_time, deployment_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(round_id) DO UPDATE SET
			slug = excluded.slug, condition_id = excluded.condition_id,
			up_token_id = excluded.up_token_id, down_token_id = excluded.down_token_id,
			start_time = excluded.start_time, end_time = excluded.end_time,
			deployment_id = excluded.deployment_id
	`, round.RoundID, round.Slug, round.ConditionID, round.UpTokenID, round.DownTokenID, round.StartTime.Unix(), round.EndTime.Unix(), dep.ID)
	if err != nil {
		return fmt.Errorf("checkpoint: save round snapshot: %w", err)
	}
	return nil
}

// SaveCycle persists a CycleContext, overwriting any prior state for the
// same round. Satisfies strategy.Persister.
func (s *Store) SaveCycle(ctx context.Context, cycle domain.CycleContext) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_contexts (round_id, state, version, leg1_token, leg1_price, leg1_shares_filled, leg2_token, leg2_price, leg2_shares_target, force_leg2_attempted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(round_id) DO UPDATE SET
			state = excluded.state, version = excluded.version,
			leg1_token = excluded.leg1_token, leg1_price = excluded.leg1_price, leg1_shares_filled = excluded.leg1_shares_filled,
			leg2_token = excluded.leg2_token, leg2_price = excluded.leg2_price, leg2_shares_target = excluded.leg2_shares_target,
			force_leg2_attempted = excluded.force_leg2_attempted, updated_at = excluded.updated_at
	`, cycle.RoundID, string(cycle.State), cycle.Version, cycle.Leg1Token, decOrZero(cycle.Leg1Price), decOrZero(cycle.Leg1SharesFilled),
		cycle.Leg2Token, decOrZero(cycle.Leg2Price), decOrZero(cycle.Leg2SharesTarget), boolToInt(cycle.ForceLeg2Attempted),
		cycle.CreatedAt.Unix(), cycle.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("checkpoint: save cycle: %w", err)
	}
	return nil
}

// NonTerminalCycle bundles a persisted CycleContext with the Round and
// deployment ID it was started against, as recovery needs all three to
// resume the state machine.
type NonTerminalCycle struct {
	Round        domain.Round
	DeploymentID string
	Cycle        domain.CycleContext
}

// terminalStates are states recovery does not need to resume — the cycle
// already reached a conclusion, successful or not.
var terminalStates = map[domain.StrategyState]bool{
	domain.StateCycleComplete: true,
	domain.StateAborted:       true,
	domain.StateHalted:        true,
}

// LoadNonTerminalCycles returns every persisted cycle whose state was not
// terminal at last checkpoint, joined against its round snapshot.
func (s *Store) LoadNonTerminalCycles(ctx context.Context) ([]NonTerminalCycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.round_id, c.state, c.version, c.leg1_token, c.leg1_price, c.leg1_shares_filled,
		       c.leg2_token, c.leg2_price, c.leg2_shares_target, c.force_leg2_attempted, c.created_at, c.updated_at,
		       r.slug, r.condition_id, r.up_token_id, r.down_token_id, r.start_time, r.end_time, r.deployment_id
		FROM cycle_contexts c
		JOIN round_snapshots r ON r.round_id = c.round_id
	`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load non-terminal cycles: %w", err)
	}
	defer rows.Close()

	var out []NonTerminalCycle
	for rows.Next() {
		var ntc NonTerminalCycle
		var state string
		var leg1Price, leg1Shares, leg2Price, leg2Shares string
		var forceLeg2 int
		var createdAt, updatedAt, startTime, endTime int64
		err := rows.Scan(
			&ntc.Cycle.RoundID, &state, &ntc.Cycle.Version, &ntc.Cycle.Leg1Token, &leg1Price, &leg1Shares,
			&ntc.Cycle.Leg2Token, &leg2Price, &leg2Shares, &forceLeg2, &createdAt, &updatedAt,
			&ntc.Round.Slug, &ntc.Round.ConditionID, &ntc.Round.UpTokenID, &ntc.Round.DownTokenID, &startTime, &endTime, &ntc.DeploymentID,
		)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: scan cycle: %w", err)
		}

		ntc.Cycle.State = domain.StrategyState(state)
		if terminalStates[ntc.Cycle.State] {
			continue
		}
		if ntc.Cycle.Leg1Price, err = decimal.NewFromString(leg1Price); err != nil {
			return nil, fmt.Errorf("checkpoint: parse leg1_price: %w", err)
		}
		if ntc.Cycle.Leg1SharesFilled, err = decimal.NewFromString(leg1Shares); err != nil {
			return nil, fmt.Errorf("checkpoint: parse leg1_shares_filled: %w", err)
		}
		if ntc.Cycle.Leg2Price, err = decimal.NewFromString(leg2Price); err != nil {
			return nil, fmt.Errorf("checkpoint: parse leg2_price: %w", err)
		}
		if ntc.Cycle.Leg2SharesTarget, err = decimal.NewFromString(leg2Shares); err != nil {
			return nil, fmt.Errorf("checkpoint: parse leg2_shares_target: %w", err)
		}
		ntc.Cycle.ForceLeg2Attempted = forceLeg2 != 0
		ntc.Cycle.CreatedAt = time.Unix(createdAt, 0)
		ntc.Cycle.UpdatedAt = time.Unix(updatedAt, 0)
		ntc.Round.RoundID = ntc.Cycle.RoundID
		ntc.Round.StartTime = time.Unix(startTime, 0)
		ntc.Round.EndTime = time.Unix(endTime, 0)

		out = append(out, ntc)
	}
	return out, rows.Err()
}

// Next implements nonce.DurableCounter: atomically returns the next nonce
// for wallet and persists the new high-water mark before returning.
func (s *Store) Next(ctx context.Context, wallet string) (uint64, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: begin nonce tx: %w", err)
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx, `SELECT next FROM nonce_counters WHERE wallet = ?`, wallet).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("checkpoint: read nonce counter: %w", err)
	}

	next := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO nonce_counters (wallet, next) VALUES (?, ?)
		ON CONFLICT(wallet) DO UPDATE SET next = excluded.next
	`, wallet, next)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: write nonce counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("checkpoint: commit nonce tx: %w", err)
	}
	return next, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decOrZero(d decimal.Decimal) string {
	if d.String() == "" {
		return "0"
	}
	return d.String()
}

func stringifyDecimals(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

func parseDecimals(m map[string]string) (map[string]decimal.Decimal, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse decimal %q: %w", v, err)
		}
		out[k] = d
	}
	return out, nil
}
