package calc

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loyalty/internal/ir"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	d := NewDispatcher(
		WithLogger(logger),
		WithMarketRates(map[string]MarketRate{
			"JP": {Rate: 0.1, UseRetailAmount: false},
			"HK": {Rate: 1.0, UseRetailAmount: true},
		}),
	)
	return d, &buf
}

func TestCalculateMethods(t *testing.T) {
	d, _ := newTestDispatcher(t)

	tests := []struct {
		name   string
		method ir.Method
		params ir.IRObject
		ctx    Context
		want   int64
	}{
		{
			name:   "fixed",
			method: ir.MethodFixed,
			params: ir.IRObject{"points": ir.IRInt(200)},
			want:   200,
		},
		{
			name:   "base with explicit rate",
			method: ir.MethodBase,
			params: ir.IRObject{"rate": ir.IRFloat(0.1)},
			ctx:    Context{Market: "JP", Amount: 5000, HasAmount: true},
			want:   500,
		},
		{
			name:   "base floors fractional points",
			method: ir.MethodBase,
			params: ir.IRObject{},
			ctx:    Context{Market: "JP", Amount: 1999, HasAmount: true},
			want:   199,
		},
		{
			name:   "base prefers retail amount in retail markets",
			method: ir.MethodBase,
			ctx:    Context{Market: "HK", Amount: 800, HasAmount: true, RetailAmount: 1000, HasRetailAmount: true},
			want:   1000,
		},
		{
			name:   "base falls back to transaction amount",
			method: ir.MethodBase,
			ctx:    Context{Market: "HK", Amount: 800, HasAmount: true},
			want:   800,
		},
		{
			name:   "fractional market ignores retail amount",
			method: ir.MethodBase,
			ctx:    Context{Market: "JP", Amount: 800, HasAmount: true, RetailAmount: 1000, HasRetailAmount: true},
			want:   80,
		},
		{
			name:   "multiplier returns incremental bonus only",
			method: ir.MethodMultiplier,
			params: ir.IRObject{"rate": ir.IRFloat(0.1), "multiplier": ir.IRFloat(2.0)},
			ctx:    Context{Market: "JP", Amount: 5000, HasAmount: true},
			want:   500,
		},
		{
			name:   "multiplier floors the bonus",
			method: ir.MethodMultiplier,
			params: ir.IRObject{"multiplier": ir.IRFloat(1.5)},
			ctx:    Context{Market: "JP", Amount: 1230, HasAmount: true},
			want:   61,
		},
		{
			name:   "threshold met exactly",
			method: ir.MethodThreshold,
			params: ir.IRObject{"threshold": ir.IRInt(10000), "bonus": ir.IRInt(300)},
			ctx:    Context{Amount: 10000, HasAmount: true},
			want:   300,
		},
		{
			name:   "threshold not met",
			method: ir.MethodThreshold,
			params: ir.IRObject{"threshold": ir.IRInt(10000), "bonus": ir.IRInt(300)},
			ctx:    Context{Amount: 9999.99, HasAmount: true},
			want:   0,
		},
		{
			name:   "activity capped",
			method: ir.MethodActivity,
			params: ir.IRObject{"pointsPerUnit": ir.IRInt(10), "capPerPeriod": ir.IRInt(5)},
			ctx:    Context{UnitCount: 8, HasUnitCount: true},
			want:   50,
		},
		{
			name:   "activity under cap",
			method: ir.MethodActivity,
			params: ir.IRObject{"pointsPerUnit": ir.IRInt(10), "capPerPeriod": ir.IRInt(5)},
			ctx:    Context{UnitCount: 3, HasUnitCount: true},
			want:   30,
		},
		{
			name:   "percentage rounds half up",
			method: ir.MethodPercentage,
			params: ir.IRObject{"percentage": ir.IRInt(5)},
			ctx:    Context{Amount: 250, HasAmount: true},
			want:   13,
		},
		{
			name:   "percentage rounds down below half",
			method: ir.MethodPercentage,
			params: ir.IRObject{"percentage": ir.IRInt(5)},
			ctx:    Context{Amount: 249, HasAmount: true},
			want:   12,
		},
		{
			name:   "redemption always debits",
			method: ir.MethodRedemption,
			ctx:    Context{RequestedPoints: 40, HasRequestedPoints: true},
			want:   -40,
		},
		{
			name:   "redemption negative input still debits",
			method: ir.MethodRedemption,
			ctx:    Context{RequestedPoints: -40, HasRequestedPoints: true},
			want:   -40,
		},
		{
			name:   "adjustment passes through negative",
			method: ir.MethodAdjustment,
			ctx:    Context{AdjustmentPoints: -25, HasAdjustmentPoints: true},
			want:   -25,
		},
		{
			name:   "adjustment from params",
			method: ir.MethodAdjustment,
			params: ir.IRObject{"points": ir.IRInt(75)},
			want:   75,
		},
		{
			name:   "formula",
			method: ir.MethodFormula,
			params: ir.IRObject{"formula": ir.IRString("amount * 0.02 + unitCount * 10")},
			ctx:    Context{Amount: 1000, HasAmount: true, UnitCount: 3, HasUnitCount: true},
			want:   50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tr, err := d.Calculate(tt.method, tt.params, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, string(tt.method), tr.Method)
			assert.Equal(t, tt.want, tr.Result)
			assert.NotEmpty(t, tr.Formula)
		})
	}
}

func TestCalculateBaseTrace(t *testing.T) {
	d, _ := newTestDispatcher(t)

	pts, tr, err := d.Calculate(ir.MethodBase, ir.IRObject{"rate": ir.IRFloat(0.1)}, Context{Market: "JP", Amount: 5000, HasAmount: true})
	require.NoError(t, err)

	assert.Equal(t, int64(500), pts)
	assert.Equal(t, "floor(amount * rate)", tr.Formula)
	assert.Equal(t, map[string]float64{"amount": 5000, "rate": 0.1}, tr.Inputs)
}

func TestCalculateUnknownMethodIsSoft(t *testing.T) {
	d, logs := newTestDispatcher(t)

	pts, tr, err := d.Calculate(ir.Method("cashback"), nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), pts)
	assert.Equal(t, "cashback", tr.Method)
	assert.Contains(t, logs.String(), "unknown calculation method")
}

func TestCalculateErrors(t *testing.T) {
	d, _ := newTestDispatcher(t)

	tests := []struct {
		name   string
		method ir.Method
		params ir.IRObject
		ctx    Context
		code   string
	}{
		{"fixed without points", ir.MethodFixed, ir.IRObject{}, Context{}, CodeMissingInput},
		{"fixed with string points", ir.MethodFixed, ir.IRObject{"points": ir.IRString("lots")}, Context{}, CodeInvalidParam},
		{"base without amount", ir.MethodBase, nil, Context{Market: "JP"}, CodeMissingInput},
		{"multiplier without multiplier", ir.MethodMultiplier, ir.IRObject{}, Context{Amount: 1, HasAmount: true}, CodeMissingInput},
		{"activity without units", ir.MethodActivity, ir.IRObject{"pointsPerUnit": ir.IRInt(1)}, Context{}, CodeMissingInput},
		{"redemption without request", ir.MethodRedemption, nil, Context{}, CodeMissingInput},
		{"formula division by zero", ir.MethodFormula, ir.IRObject{"formula": ir.IRString("amount / (unitCount - 2)")},
			Context{Amount: 10, HasAmount: true, UnitCount: 2, HasUnitCount: true}, CodeDivisionByZero},
		{"formula variable without value", ir.MethodFormula, ir.IRObject{"formula": ir.IRString("unitCount * 2")}, Context{}, CodeMissingInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := d.Calculate(tt.method, tt.params, tt.ctx)
			require.Error(t, err)

			var ce *CalculationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.code, ce.Code)
			assert.True(t, IsCalculationError(err))
		})
	}
}

func TestCalculateFormulaRejectedAwardsZero(t *testing.T) {
	d, logs := newTestDispatcher(t)

	for _, expr := range []string{
		"amount; os.Exit(1)",
		"amount * secret",
		"amount ** 2 % 3",
		"1e9",
	} {
		t.Run(expr, func(t *testing.T) {
			pts, tr, err := d.Calculate(ir.MethodFormula, ir.IRObject{"formula": ir.IRString(expr)}, Context{Amount: 10, HasAmount: true})
			require.NoError(t, err)
			assert.Equal(t, int64(0), pts)
			assert.Equal(t, expr, tr.Formula)
		})
	}
	assert.Contains(t, logs.String(), "formula rejected")
}

func TestMarketRateLookupIsCaseInsensitive(t *testing.T) {
	d, _ := newTestDispatcher(t)
	assert.Equal(t, 0.1, d.MarketRate("jp").Rate)
	assert.Equal(t, DefaultMarketRate, d.MarketRate("SG"))
}

func TestContextFromEvent(t *testing.T) {
	ev := ir.Event{
		Market:     "JP",
		Context:    ir.IRObject{"amount": ir.IRInt(5000), "retailAmount": ir.IRString("5200")},
		Attributes: ir.IRObject{"unitCount": ir.IRInt(4)},
	}
	c := ContextFromEvent(ev)

	assert.Equal(t, "JP", c.Market)
	assert.True(t, c.HasAmount)
	assert.Equal(t, 5000.0, c.Amount)
	assert.True(t, c.HasRetailAmount)
	assert.Equal(t, 5200.0, c.RetailAmount)
	assert.Equal(t, 4.0, c.UnitCount)
	assert.False(t, c.HasRequestedPoints)
}
