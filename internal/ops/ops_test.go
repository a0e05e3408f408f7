package ops_test

import (
	"errors"
	"testing"

	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/ops"

	"github.com/google/uuid"
)

const owner = "0xowner"

var (
	createdAt = fpmath.NewTimestamp(1_000)
	opTime    = fpmath.NewTimestamp(2_000)
)

func defaultConfig() cdp.Config {
	return cdp.Config{
		LiquidationRatio:          fpmath.NewRatio(13_000),
		MinCollateralizationRatio: fpmath.NewRatio(15_000),
		StabilityFee:              fpmath.NewRatio(500),
	}
}

// scenarioCDP: 2 units of collateral, 2000 units of debt, 130% liquidation
// ratio, 150% minimum ratio.
func scenarioCDP() cdp.CDP {
	c := cdp.New(uuid.MustParse("00000000-0000-0000-0000-000000000001"), owner, defaultConfig(), createdAt)
	c = c.WithCollateral(fpmath.Units(2)).WithDebt(fpmath.Units(2000), fpmath.Zero())
	return c.WithState(cdp.Active(cdp.CurrentHealthFactor(c, fpmath.Units(2000))))
}

func defaultContext() ops.Context {
	return ops.Context{
		CollateralPrice: fpmath.Units(2000),
		CurrentTime:     opTime,
	}
}

func params(c cdp.CDP, amount fpmath.Amount) ops.Params {
	return ops.Params{CDP: c, Amount: amount, Actor: owner, Timestamp: opTime}
}

// ============================================================================
// Test: Concrete scenario
// ============================================================================

func TestScenario_DepositZeroRejected(t *testing.T) {
	_, err := ops.Deposit(params(scenarioCDP(), fpmath.Zero()), defaultContext())

	var amountErr *cdp.InvalidAmountError
	if !errors.As(err, &amountErr) {
		t.Fatalf("got %v, want InvalidAmountError", err)
	}
	if !amountErr.Amount.IsZero() {
		t.Errorf("got amount %s, want 0", amountErr.Amount)
	}
}

func TestScenario_WithdrawBelowMinRatioRejected(t *testing.T) {
	_, err := ops.Withdraw(params(scenarioCDP(), fpmath.MustParseAmount("1900000000000000000")), defaultContext())

	var ratioErr *cdp.BelowMinCollateralRatioError
	if !errors.As(err, &ratioErr) {
		t.Fatalf("got %v, want BelowMinCollateralRatioError", err)
	}
	// 0.1 units at 2000 = 200 against 2000 debt = 10%
	if ratioErr.Current.Bps() != 1_000 {
		t.Errorf("current: got %s, want 1000bps", ratioErr.Current)
	}
	if ratioErr.Minimum.Bps() != 15_000 {
		t.Errorf("minimum: got %s, want 15000bps", ratioErr.Minimum)
	}
}

// ============================================================================
// Test: Validator check order
// ============================================================================

func TestValidation_CheckOrder(t *testing.T) {
	liquidated := scenarioCDP().WithState(cdp.Liquidated())

	cases := []struct {
		name     string
		params   ops.Params
		shutdown bool
		wantCode string
	}{
		{
			name:     "shutdown before everything",
			params:   ops.Params{CDP: liquidated, Amount: fpmath.Zero(), Actor: "0xstranger", Timestamp: opTime},
			shutdown: true,
			wantCode: "invalid_operation",
		},
		{
			name:     "owner before amount",
			params:   ops.Params{CDP: liquidated, Amount: fpmath.Zero(), Actor: "0xstranger", Timestamp: opTime},
			wantCode: "unauthorized",
		},
		{
			name:     "amount before state",
			params:   ops.Params{CDP: liquidated, Amount: fpmath.Zero(), Actor: owner, Timestamp: opTime},
			wantCode: "invalid_amount",
		},
		{
			name:     "state before bounds",
			params:   ops.Params{CDP: liquidated, Amount: fpmath.Units(100), Actor: owner, Timestamp: opTime},
			wantCode: "invalid_operation",
		},
	}

	validators := map[string]func(ops.Params, ops.Context) error{
		"deposit":  ops.ValidateDeposit,
		"withdraw": ops.ValidateWithdraw,
		"mint":     ops.ValidateMint,
		"burn":     ops.ValidateBurn,
	}

	for _, tc := range cases {
		for name, validate := range validators {
			t.Run(tc.name+"/"+name, func(t *testing.T) {
				ctx := defaultContext()
				ctx.EmergencyShutdown = tc.shutdown

				var coreErr cdp.Error
				if err := validate(tc.params, ctx); !errors.As(err, &coreErr) {
					t.Fatalf("got %v, want cdp.Error", err)
				}
				if coreErr.Code() != tc.wantCode {
					t.Errorf("got %q, want %q", coreErr.Code(), tc.wantCode)
				}
			})
		}
	}
}

func TestValidation_EmergencyShutdownPseudoState(t *testing.T) {
	ctx := defaultContext()
	ctx.EmergencyShutdown = true

	_, err := ops.Mint(params(scenarioCDP(), fpmath.Units(1)), ctx)
	var opErr *cdp.InvalidOperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("got %v, want InvalidOperationError", err)
	}
	if opErr.Operation != "mint" || opErr.State != cdp.StateEmergencyShutdown {
		t.Errorf("got %s/%s", opErr.Operation, opErr.State)
	}
}

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDeposit_Success(t *testing.T) {
	in := scenarioCDP()
	res, err := ops.Deposit(params(in, fpmath.Units(1)), defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := res.UpdatedCDP
	if out.CollateralAmount.Cmp(fpmath.Units(3)) != 0 {
		t.Errorf("collateral: got %s, want %s", out.CollateralAmount, fpmath.Units(3))
	}
	if res.NewHealthFactor <= res.PreviousHealthFactor {
		t.Errorf("hf should rise: %v -> %v", res.PreviousHealthFactor, res.NewHealthFactor)
	}
	if out.State.Kind() != cdp.StateActive || out.State.HealthFactor() != res.NewHealthFactor {
		t.Errorf("state: got %s", out.State)
	}
	if out.UpdatedAt != opTime || out.CreatedAt != createdAt {
		t.Errorf("timestamps: created=%s updated=%s", out.CreatedAt, out.UpdatedAt)
	}
	if out.Version != in.Version+1 {
		t.Errorf("version: got %d, want %d", out.Version, in.Version+1)
	}

	// Input untouched
	if in.CollateralAmount.Cmp(fpmath.Units(2)) != 0 || in.UpdatedAt != createdAt {
		t.Errorf("input mutated: collateral=%s updated=%s", in.CollateralAmount, in.UpdatedAt)
	}
}

func TestDeposit_LimitExceeded(t *testing.T) {
	ctx := defaultContext()
	ctx.MaxAmountAllowed = fpmath.Units(5)

	_, err := ops.Deposit(params(scenarioCDP(), fpmath.Units(6)), ctx)
	var limitErr *cdp.DepositLimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("got %v, want DepositLimitExceededError", err)
	}
	if limitErr.Limit.Cmp(fpmath.Units(5)) != 0 || limitErr.Requested.Cmp(fpmath.Units(6)) != 0 {
		t.Errorf("got limit=%s requested=%s", limitErr.Limit, limitErr.Requested)
	}

	if _, err := ops.Deposit(params(scenarioCDP(), fpmath.Units(5)), ctx); err != nil {
		t.Errorf("deposit at the cap should pass: %v", err)
	}
}

func TestDeposit_ZeroCapMeansUncapped(t *testing.T) {
	if _, err := ops.Deposit(params(scenarioCDP(), fpmath.Units(1_000_000)), defaultContext()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDeposit_RequiresActive(t *testing.T) {
	liquidating := scenarioCDP().WithState(cdp.Liquidating(fpmath.Units(1300)))

	_, err := ops.Deposit(params(liquidating, fpmath.Units(1)), defaultContext())
	var opErr *cdp.InvalidOperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("got %v, want InvalidOperationError", err)
	}
	if opErr.Operation != "deposit" || opErr.State != "liquidating" {
		t.Errorf("got %s/%s", opErr.Operation, opErr.State)
	}
}

// ============================================================================
// Test: Withdraw
// ============================================================================

func TestWithdraw_MaxWithdrawableIsExact(t *testing.T) {
	c := scenarioCDP()
	ctx := defaultContext()

	maxOut := ops.CalculateMaxWithdrawableAmount(c, ctx.CollateralPrice, ctx.SafetyBuffer)
	if maxOut.String() != "499999999999999999" {
		t.Fatalf("got %s, want 499999999999999999", maxOut)
	}

	res, err := ops.Withdraw(params(c, maxOut), ctx)
	if err != nil {
		t.Fatalf("withdrawing the max should pass: %v", err)
	}
	if !res.RemainingAvailableCollateral.IsZero() {
		t.Errorf("remaining: got %s, want 0", res.RemainingAvailableCollateral)
	}

	_, err = ops.Withdraw(params(c, maxOut.Add(fpmath.AmountFromInt64(1))), ctx)
	var ratioErr *cdp.BelowMinCollateralRatioError
	if !errors.As(err, &ratioErr) {
		t.Errorf("max+1: got %v, want BelowMinCollateralRatioError", err)
	}
}

func TestWithdraw_SafetyBufferTightens(t *testing.T) {
	c := scenarioCDP()
	ctx := defaultContext()
	noBuffer := ops.CalculateMaxWithdrawableAmount(c, ctx.CollateralPrice, fpmath.NewRatio(0))

	ctx.SafetyBuffer = fpmath.NewRatio(1_000)
	withBuffer := ops.CalculateMaxWithdrawableAmount(c, ctx.CollateralPrice, ctx.SafetyBuffer)
	if withBuffer.Cmp(noBuffer) >= 0 {
		t.Fatalf("buffer should shrink withdrawable: %s >= %s", withBuffer, noBuffer)
	}

	_, err := ops.Withdraw(params(c, noBuffer), ctx)
	var ratioErr *cdp.BelowMinCollateralRatioError
	if !errors.As(err, &ratioErr) {
		t.Fatalf("got %v, want BelowMinCollateralRatioError", err)
	}
	if ratioErr.Minimum.Bps() != 16_000 {
		t.Errorf("minimum: got %s, want 16000bps", ratioErr.Minimum)
	}
}

func TestWithdraw_ZeroDebtReleasesEverything(t *testing.T) {
	c := scenarioCDP().WithDebt(fpmath.Zero(), fpmath.Zero())
	ctx := defaultContext()

	maxOut := ops.CalculateMaxWithdrawableAmount(c, ctx.CollateralPrice, ctx.SafetyBuffer)
	if maxOut.Cmp(c.CollateralAmount) != 0 {
		t.Fatalf("got %s, want all collateral %s", maxOut, c.CollateralAmount)
	}

	res, err := ops.Withdraw(params(c, maxOut), ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.UpdatedCDP.CollateralAmount.IsZero() {
		t.Errorf("got %s, want 0", res.UpdatedCDP.CollateralAmount)
	}
	if res.UpdatedCDP.State.Kind() != cdp.StateActive || res.NewHealthFactor != cdp.MaxHealthFactor {
		t.Errorf("zero debt must stay active at max hf, got %s", res.UpdatedCDP.State)
	}
}

func TestWithdraw_Bounds(t *testing.T) {
	ctx := defaultContext()
	ctx.MaxAmountAllowed = fpmath.Units(1)

	_, err := ops.Withdraw(params(scenarioCDP(), fpmath.Units(2)), ctx)
	var limitErr *cdp.WithdrawalLimitExceededError
	if !errors.As(err, &limitErr) {
		t.Errorf("got %v, want WithdrawalLimitExceededError", err)
	}

	_, err = ops.Withdraw(params(scenarioCDP(), fpmath.Units(3)), defaultContext())
	var collErr *cdp.InsufficientAvailableCollateralError
	if !errors.As(err, &collErr) {
		t.Fatalf("got %v, want InsufficientAvailableCollateralError", err)
	}
	if collErr.Available.Cmp(fpmath.Units(2)) != 0 {
		t.Errorf("available: got %s", collErr.Available)
	}
}

// ============================================================================
// Test: Mint
// ============================================================================

func TestMint_AccruesStabilityFee(t *testing.T) {
	p := params(scenarioCDP(), fpmath.Units(100))
	p.Timestamp = fpmath.NewTimestamp(createdAt.Unix() + fpmath.SecondsPerYear)

	res, err := ops.Mint(p, defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2000 units at 5% for a year
	if res.Fees == nil || res.Fees.Accrued.Cmp(fpmath.Units(100)) != 0 {
		t.Fatalf("accrued: got %+v, want %s", res.Fees, fpmath.Units(100))
	}
	out := res.UpdatedCDP
	if out.AccruedFees.Cmp(fpmath.Units(100)) != 0 {
		t.Errorf("accrued fees: got %s", out.AccruedFees)
	}
	if out.DebtAmount.Cmp(fpmath.Units(2100)) != 0 {
		t.Errorf("debt: got %s, want %s", out.DebtAmount, fpmath.Units(2100))
	}
	if res.NewHealthFactor >= res.PreviousHealthFactor {
		t.Errorf("hf should fall: %v -> %v", res.PreviousHealthFactor, res.NewHealthFactor)
	}
}

func TestMint_NoElapsedTimeNoFee(t *testing.T) {
	p := params(scenarioCDP(), fpmath.Units(1))
	p.Timestamp = createdAt

	res, err := ops.Mint(p, defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Fees.Accrued.IsZero() {
		t.Errorf("got %s, want 0", res.Fees.Accrued)
	}
}

func TestMint_FeeSurvivesInterleavedDeposit(t *testing.T) {
	yearLater := fpmath.NewTimestamp(createdAt.Unix() + fpmath.SecondsPerYear)
	ctx := defaultContext()

	dep := params(scenarioCDP(), fpmath.AmountFromInt64(1))
	dep.Timestamp = fpmath.NewTimestamp(yearLater.Unix() - 1)
	deposited, err := ops.Deposit(dep, ctx)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := deposited.UpdatedCDP.FeesAccruedAt; got != createdAt {
		t.Fatalf("deposit moved fee anchor: got %s, want %s", got, createdAt)
	}

	mint := params(deposited.UpdatedCDP, fpmath.Units(100))
	mint.Timestamp = yearLater
	res, err := ops.Mint(mint, ctx)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Same full year at 5% on 2000 units as a direct mint
	if res.Fees.Accrued.Cmp(fpmath.Units(100)) != 0 {
		t.Errorf("accrued: got %s, want %s", res.Fees.Accrued, fpmath.Units(100))
	}
	if got := res.UpdatedCDP.FeesAccruedAt; got != yearLater {
		t.Errorf("fee anchor: got %s, want %s", got, yearLater)
	}
}

func TestMint_FeeSurvivesReassessment(t *testing.T) {
	yearLater := fpmath.NewTimestamp(createdAt.Unix() + fpmath.SecondsPerYear)

	// Price drop pushes the CDP into liquidating: state and UpdatedAt change
	reassessed, changed := cdp.Reassess(scenarioCDP(), fpmath.Units(1200), fpmath.NewTimestamp(yearLater.Unix()-10))
	if !changed {
		t.Fatalf("expected a state change")
	}
	if reassessed.FeesAccruedAt != createdAt {
		t.Fatalf("reassess moved fee anchor: got %s", reassessed.FeesAccruedAt)
	}
	if got := reassessed.PendingFee(yearLater); got.Cmp(fpmath.Units(100)) != 0 {
		t.Errorf("pending: got %s, want %s", got, fpmath.Units(100))
	}
}

func TestMint_SecondMintOnlyChargesNewInterval(t *testing.T) {
	halfYear := fpmath.NewTimestamp(createdAt.Unix() + fpmath.SecondsPerYear/2)
	ctx := defaultContext()

	first := params(scenarioCDP(), fpmath.Units(1))
	first.Timestamp = halfYear
	res, err := ops.Mint(first, ctx)
	if err != nil {
		t.Fatalf("first mint: %v", err)
	}

	second := params(res.UpdatedCDP, fpmath.Units(1))
	second.Timestamp = halfYear
	res, err = ops.Mint(second, ctx)
	if err != nil {
		t.Fatalf("second mint: %v", err)
	}
	if !res.Fees.Accrued.IsZero() {
		t.Errorf("same-instant mint accrued %s, want 0", res.Fees.Accrued)
	}
}

func TestMint_BelowMinRatio(t *testing.T) {
	_, err := ops.Mint(params(scenarioCDP(), fpmath.Units(1000)), defaultContext())

	var ratioErr *cdp.BelowMinCollateralRatioError
	if !errors.As(err, &ratioErr) {
		t.Fatalf("got %v, want BelowMinCollateralRatioError", err)
	}
	// 4000 / 3000
	if ratioErr.Current.Bps() != 13_333 || ratioErr.Minimum.Bps() != 15_000 {
		t.Errorf("got current=%s minimum=%s", ratioErr.Current, ratioErr.Minimum)
	}
}

func TestMint_AllowedWhileLiquidating(t *testing.T) {
	liquidating := scenarioCDP().WithState(cdp.Liquidating(fpmath.Units(1300)))

	res, err := ops.Mint(params(liquidating, fpmath.Units(1)), defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// hf ~1.54 at this price clears the recovery threshold
	if res.UpdatedCDP.State.Kind() != cdp.StateActive {
		t.Errorf("got %s, want active", res.UpdatedCDP.State)
	}
}

func TestMint_TerminalRejected(t *testing.T) {
	for _, state := range []cdp.State{cdp.Liquidated(), cdp.Closed()} {
		_, err := ops.Mint(params(scenarioCDP().WithState(state), fpmath.Units(1)), defaultContext())
		var opErr *cdp.InvalidOperationError
		if !errors.As(err, &opErr) {
			t.Errorf("%s: got %v, want InvalidOperationError", state, err)
		}
	}
}

// ============================================================================
// Test: Burn
// ============================================================================

func TestBurn_FeesBeforePrincipal(t *testing.T) {
	c := scenarioCDP().WithDebt(fpmath.AmountFromInt64(1000), fpmath.AmountFromInt64(100))

	res, err := ops.Burn(params(c, fpmath.AmountFromInt64(50)), defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := res.UpdatedCDP
	if out.AccruedFees.String() != "50" {
		t.Errorf("accrued fees: got %s, want 50", out.AccruedFees)
	}
	if out.DebtAmount.String() != "1000" {
		t.Errorf("debt: got %s, want 1000", out.DebtAmount)
	}
	if res.Fees.ToFees.String() != "50" || !res.Fees.ToPrincipal.IsZero() {
		t.Errorf("allocation: got %+v", res.Fees)
	}
}

func TestBurn_SpillsIntoPrincipal(t *testing.T) {
	c := scenarioCDP().WithDebt(fpmath.AmountFromInt64(1000), fpmath.AmountFromInt64(100))

	res, err := ops.Burn(params(c, fpmath.AmountFromInt64(300)), defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.UpdatedCDP.AccruedFees.IsZero() || res.UpdatedCDP.DebtAmount.String() != "800" {
		t.Errorf("got fees=%s debt=%s", res.UpdatedCDP.AccruedFees, res.UpdatedCDP.DebtAmount)
	}
}

func TestBurn_FullClosure(t *testing.T) {
	cases := []cdp.CDP{
		scenarioCDP(),
		scenarioCDP().WithDebt(fpmath.Units(2000), fpmath.Units(37)),
		scenarioCDP().WithDebt(fpmath.AmountFromInt64(1), fpmath.Zero()),
		scenarioCDP().WithDebt(fpmath.Zero(), fpmath.AmountFromInt64(5)),
		scenarioCDP().WithState(cdp.Liquidating(fpmath.Units(1300))),
	}

	for i, c := range cases {
		res, err := ops.Burn(params(c, cdp.CalculateFullClosureAmount(c)), defaultContext())
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		out := res.UpdatedCDP
		if out.State.Kind() != cdp.StateClosed {
			t.Errorf("case %d: got %s, want closed", i, out.State)
		}
		if !out.DebtAmount.IsZero() || !out.AccruedFees.IsZero() {
			t.Errorf("case %d: got debt=%s fees=%s", i, out.DebtAmount, out.AccruedFees)
		}
	}
}

func TestBurn_ExceedingOutstandingRejected(t *testing.T) {
	c := scenarioCDP().WithDebt(fpmath.AmountFromInt64(1000), fpmath.AmountFromInt64(100))

	_, err := ops.Burn(params(c, fpmath.AmountFromInt64(1101)), defaultContext())
	var repayErr *cdp.RepaymentExceedsDebtError
	if !errors.As(err, &repayErr) {
		t.Fatalf("got %v, want RepaymentExceedsDebtError", err)
	}
	if repayErr.Outstanding.String() != "1100" {
		t.Errorf("outstanding: got %s", repayErr.Outstanding)
	}
}

func TestBurn_ClosedCannotReopen(t *testing.T) {
	res, err := ops.Burn(params(scenarioCDP(), fpmath.Units(2000)), defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, op := range []func(ops.Params, ops.Context) (ops.Result, error){ops.Deposit, ops.Withdraw, ops.Mint, ops.Burn} {
		_, err := op(params(res.UpdatedCDP, fpmath.Units(1)), defaultContext())
		var opErr *cdp.InvalidOperationError
		if !errors.As(err, &opErr) || opErr.State != "closed" {
			t.Errorf("got %v, want InvalidOperationError in state closed", err)
		}
	}
}

// ============================================================================
// Test: Create
// ============================================================================

func createParams() ops.CreateParams {
	return ops.CreateParams{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		Owner:      owner,
		Config:     defaultConfig(),
		Collateral: fpmath.Units(2),
		Debt:       fpmath.Units(2000),
		Timestamp:  opTime,
	}
}

func TestCreate_Success(t *testing.T) {
	res, err := ops.Create(createParams(), defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := res.UpdatedCDP
	if out.Owner != owner || out.Version != 1 {
		t.Errorf("got owner=%s version=%d", out.Owner, out.Version)
	}
	if out.CreatedAt != opTime || out.UpdatedAt != opTime {
		t.Errorf("timestamps: created=%s updated=%s", out.CreatedAt, out.UpdatedAt)
	}
	if out.State.Kind() != cdp.StateActive {
		t.Errorf("got %s, want active", out.State)
	}
	if !out.AccruedFees.IsZero() {
		t.Errorf("fees: got %s", out.AccruedFees)
	}
}

func TestCreate_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*ops.CreateParams)
		wantCode string
	}{
		{"zero collateral", func(p *ops.CreateParams) { p.Collateral = fpmath.Zero() }, "invalid_amount"},
		{"bad config", func(p *ops.CreateParams) { p.Config.MinCollateralizationRatio = fpmath.NewRatio(10_000) }, "invalid_config"},
		{"debt too high", func(p *ops.CreateParams) { p.Debt = fpmath.Units(2700) }, "below_min_collateral_ratio"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := createParams()
			tc.mutate(&p)

			var coreErr cdp.Error
			if _, err := ops.Create(p, defaultContext()); !errors.As(err, &coreErr) {
				t.Fatalf("got %v, want cdp.Error", err)
			}
			if coreErr.Code() != tc.wantCode {
				t.Errorf("got %q, want %q", coreErr.Code(), tc.wantCode)
			}
		})
	}
}

func TestCreate_CollateralOnly(t *testing.T) {
	p := createParams()
	p.Debt = fpmath.Zero()

	res, err := ops.Create(p, defaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewHealthFactor != cdp.MaxHealthFactor {
		t.Errorf("got %v, want MaxHealthFactor", res.NewHealthFactor)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []ops.Kind{ops.KindCreate, ops.KindDeposit, ops.KindWithdraw, ops.KindMint, ops.KindBurn} {
		got, err := ops.ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("%s: got %s, %v", k, got, err)
		}
	}
	if _, err := ops.ParseKind("liquidate"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
