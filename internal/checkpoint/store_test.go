package checkpoint

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"binarymm/internal/domain"
	"binarymm/internal/logging"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testDep() domain.Deployment {
	return domain.Deployment{
		ID:               "dep-1",
		Domain:           "btc-updown",
		StrategyVersion:  "v1",
		LifecycleStage:   domain.LifecycleLive,
		Enabled:          true,
		AllocatedCapital: decimal.NewFromInt(1000),
		ProductType:      "binary",
	}
}

func TestDeployment_SaveAndLoadRoundTrips(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	dep := testDep()
	require.NoError(t, s.SaveDeployment(ctx, dep))

	loaded, err := s.LoadDeployments(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, dep, loaded[0])
}

func TestDeployment_SaveIsUpsert(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	dep := testDep()
	require.NoError(t, s.SaveDeployment(ctx, dep))
	dep.Enabled = false
	require.NoError(t, s.SaveDeployment(ctx, dep))

	loaded, err := s.LoadDeployments(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.False(t, loaded[0].Enabled)
}

func TestPolicy_LoadWithoutSaveReturnsOpenDefault(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)

	policy, err := s.LoadPolicy(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.IngressOpen, policy.GlobalIngressMode)
}

func TestPolicy_SaveAndLoadRoundTrips(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	policy := domain.GovernancePolicy{
		Version:            3,
		GlobalIngressMode:  domain.IngressPaused,
		DomainIngressModes: map[string]domain.IngressMode{"btc-updown": domain.IngressHalted},
		DomainExposureCaps: map[string]decimal.Decimal{"btc-updown": decimal.NewFromInt(5000)},
		DomainDailyLossCap: map[string]decimal.Decimal{"btc-updown": decimal.NewFromInt(200)},
		AccountReservePct:  decimal.NewFromFloat(0.1),
	}
	require.NoError(t, s.SavePolicy(ctx, policy))

	loaded, err := s.LoadPolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, policy.Version, loaded.Version)
	require.Equal(t, domain.IngressPaused, loaded.GlobalIngressMode)
	require.Equal(t, domain.IngressHalted, loaded.DomainIngressModes["btc-updown"])
	require.True(t, policy.DomainExposureCaps["btc-updown"].Equal(loaded.DomainExposureCaps["btc-updown"]))
	require.True(t, policy.AccountReservePct.Equal(loaded.AccountReservePct))
}

func TestHaltState_SaveAndLoadRoundTrips(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	tripped, reason, err := s.LoadHaltState(ctx)
	require.NoError(t, err)
	require.False(t, tripped)
	require.Empty(t, reason)

	require.NoError(t, s.SaveHaltState(ctx, true, "operator requested"))
	tripped, reason, err = s.LoadHaltState(ctx)
	require.NoError(t, err)
	require.True(t, tripped)
	require.Equal(t, "operator requested", reason)
}

func TestCycle_NonTerminalSurvivesRoundTrip(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	round := domain.Round{
		RoundID:     "round-1",
		Slug:        "btc-up-1200",
		ConditionID: "cond-1",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
		StartTime:   time.Now().Add(-time.Minute).Truncate(time.Second),
		EndTime:     time.Now().Add(time.Minute).Truncate(time.Second),
	}
	dep := testDep()
	require.NoError(t, s.SaveRound(ctx, round, dep))

	cycle := domain.CycleContext{
		RoundID:          round.RoundID,
		State:            domain.StateLeg1Filled,
		Version:          2,
		Leg1Token:        "tok-up",
		Leg1Price:        decimal.NewFromFloat(0.4),
		Leg1SharesFilled: decimal.NewFromInt(50),
		Leg2Token:        "tok-down",
		Leg2Price:        decimal.NewFromFloat(0.55),
		Leg2SharesTarget: decimal.NewFromInt(50),
		CreatedAt:        time.Now().Add(-time.Minute).Truncate(time.Second),
		UpdatedAt:        time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.SaveCycle(ctx, cycle))

	cycles, err := s.LoadNonTerminalCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, dep.ID, cycles[0].DeploymentID)
	require.Equal(t, round.UpTokenID, cycles[0].Round.UpTokenID)
	require.Equal(t, cycle.State, cycles[0].Cycle.State)
	require.True(t, cycle.Leg1SharesFilled.Equal(cycles[0].Cycle.Leg1SharesFilled))
}

func TestCycle_TerminalStatesExcludedFromRecovery(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	round := domain.Round{RoundID: "round-2", UpTokenID: "tok-up", DownTokenID: "tok-down", StartTime: time.Now(), EndTime: time.Now().Add(time.Minute)}
	require.NoError(t, s.SaveRound(ctx, round, testDep()))
	require.NoError(t, s.SaveCycle(ctx, domain.CycleContext{RoundID: round.RoundID, State: domain.StateCycleComplete}))

	cycles, err := s.LoadNonTerminalCycles(ctx)
	require.NoError(t, err)
	require.Empty(t, cycles)
}

func TestNonceCounter_NextIsMonotonicAndPersists(t *testing.T) {
	db := openTestDB(t)
	s, err := New(db, logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	n1, err := s.Next(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n1)

	n2, err := s.Next(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), n2)

	// A second wallet gets its own independent sequence.
	n3, err := s.Next(ctx, "wallet-2")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n3)

	// Reopening a Store against the same db resumes from the persisted mark.
	s2, err := New(db, logging.NewNop())
	require.NoError(t, err)
	n4, err := s2.Next(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), n4)
}

func TestNonceCounter_ConcurrentNextNeverRepeats(t *testing.T) {
	s, err := New(openTestDB(t), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	const n = 20
	results := make(chan uint64, n)
	for i := 0; i < n; i++ {
		go func() {
			v, err := s.Next(ctx, "wallet-race")
			require.NoError(t, err)
			results <- v
		}()
	}

	seen := make(map[uint64]bool, n)
	for i := 0; i < n; i++ {
		v := <-results
		require.False(t, seen[v], "nonce %d issued twice", v)
		seen[v] = true
	}
}
