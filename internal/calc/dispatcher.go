package calc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/roach88/loyalty/internal/ir"
)

// MarketRate is a market's default conversion for base and multiplier.
// Fractional markets apply Rate to the transaction amount. Retail markets
// convert 1:1 (or at Rate) against the retail reference amount when the
// event carries one.
type MarketRate struct {
	Rate            float64 `yaml:"rate"`
	UseRetailAmount bool    `yaml:"useRetailAmount"`
}

// DefaultMarketRate applies when a market has no configured rate.
var DefaultMarketRate = MarketRate{Rate: 1.0, UseRetailAmount: true}

// Context is the per-event input to a calculation. Has* flags distinguish a
// zero value from an absent one.
type Context struct {
	Market string

	Amount    float64
	HasAmount bool

	RetailAmount    float64
	HasRetailAmount bool

	DiscountedAmount    float64
	HasDiscountedAmount bool

	UnitCount    float64
	HasUnitCount bool

	RequestedPoints    float64
	HasRequestedPoints bool

	AdjustmentPoints    float64
	HasAdjustmentPoints bool
}

// ContextFromEvent extracts calculation inputs from an event.
func ContextFromEvent(ev ir.Event) Context {
	c := Context{Market: ev.Market}
	c.Amount, c.HasAmount = ev.Number(ir.KeyAmount)
	c.RetailAmount, c.HasRetailAmount = ev.Number(ir.KeyRetailAmount)
	c.DiscountedAmount, c.HasDiscountedAmount = ev.Number(ir.KeyDiscountedAmount)
	c.UnitCount, c.HasUnitCount = ev.Number(ir.KeyUnitCount)
	c.RequestedPoints, c.HasRequestedPoints = ev.Number(ir.KeyRequestedPoints)
	c.AdjustmentPoints, c.HasAdjustmentPoints = ev.Number(ir.KeyAdjustmentPoints)
	return c
}

// Dispatcher maps a calculation method to its formula. It is stateless after
// construction and safe for concurrent use.
type Dispatcher struct {
	rates  map[string]MarketRate
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMarketRates sets per-market default rates. Keys are market codes.
func WithMarketRates(rates map[string]MarketRate) Option {
	return func(d *Dispatcher) {
		for k, v := range rates {
			d.rates[strings.ToUpper(k)] = v
		}
	}
}

// WithLogger sets the logger used for unknown-method warnings.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rates:  make(map[string]MarketRate),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MarketRate returns the configured rate for market.
func (d *Dispatcher) MarketRate(market string) MarketRate {
	if r, ok := d.rates[strings.ToUpper(market)]; ok {
		return r
	}
	return DefaultMarketRate
}

// Calculate computes the signed point delta for one matched rule.
//
// An unknown method yields 0 points, a warning log, and a nil error.
func (d *Dispatcher) Calculate(method ir.Method, params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	switch method {
	case ir.MethodFixed:
		return d.fixed(params)
	case ir.MethodBase:
		return d.base(params, ec)
	case ir.MethodMultiplier:
		return d.multiplier(params, ec)
	case ir.MethodThreshold:
		return d.threshold(params, ec)
	case ir.MethodActivity:
		return d.activity(params, ec)
	case ir.MethodPercentage:
		return d.percentage(params, ec)
	case ir.MethodRedemption:
		return d.redemption(params, ec)
	case ir.MethodAdjustment:
		return d.adjustment(params, ec)
	case ir.MethodFormula:
		return d.formula(params, ec)
	default:
		d.logger.Warn("unknown calculation method, awarding 0 points", "method", string(method))
		return 0, ir.ComputationTrace{
			Method:  string(method),
			Formula: "unknown method",
			Inputs:  map[string]float64{},
			Result:  0,
		}, nil
	}
}

func trace(method ir.Method, formula string, inputs map[string]float64, result int64) ir.ComputationTrace {
	return ir.ComputationTrace{
		Method:  string(method),
		Formula: formula,
		Inputs:  inputs,
		Result:  result,
	}
}

// floorPoints floors a computed value to whole points.
func floorPoints(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt64/2 {
		return 0, fmt.Errorf("result %v out of range", v)
	}
	return int64(math.Floor(v)), nil
}

func numberParam(method ir.Method, params ir.IRObject, name string) (float64, bool, error) {
	v, present := params[name]
	if !present {
		return 0, false, nil
	}
	n, ok := ir.AsNumber(v)
	if !ok {
		return 0, true, invalidParam(string(method), name, fmt.Sprintf("must be a number, got %s", ir.TypeName(v)))
	}
	return n, true, nil
}

func requireParam(method ir.Method, params ir.IRObject, name string) (float64, error) {
	n, ok, err := numberParam(method, params, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, missingInput(string(method), "param "+name)
	}
	return n, nil
}

// rateAndAmount resolves the conversion rate and the amount it applies to.
// An explicit rate param overrides the market default; the market decides
// whether the retail reference amount is preferred.
func (d *Dispatcher) rateAndAmount(method ir.Method, params ir.IRObject, ec Context) (rate, amount float64, amountName string, err error) {
	mr := d.MarketRate(ec.Market)
	rate = mr.Rate
	if r, ok, perr := numberParam(method, params, "rate"); perr != nil {
		return 0, 0, "", perr
	} else if ok {
		rate = r
	}

	if mr.UseRetailAmount && ec.HasRetailAmount {
		return rate, ec.RetailAmount, "retailAmount", nil
	}
	if !ec.HasAmount {
		return 0, 0, "", missingInput(string(method), "amount")
	}
	return rate, ec.Amount, "amount", nil
}

// referenceAmount is the retail amount when present, else the transaction amount.
func referenceAmount(method ir.Method, ec Context) (float64, string, error) {
	if ec.HasRetailAmount {
		return ec.RetailAmount, "retailAmount", nil
	}
	if ec.HasAmount {
		return ec.Amount, "amount", nil
	}
	return 0, "", missingInput(string(method), "amount")
}

func (d *Dispatcher) fixed(params ir.IRObject) (int64, ir.ComputationTrace, error) {
	p, err := requireParam(ir.MethodFixed, params, "points")
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	pts := int64(math.Trunc(p))
	return pts, trace(ir.MethodFixed, "points", map[string]float64{"points": p}, pts), nil
}

func (d *Dispatcher) base(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	rate, amount, name, err := d.rateAndAmount(ir.MethodBase, params, ec)
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	pts, err := floorPoints(amount * rate)
	if err != nil {
		return 0, ir.ComputationTrace{}, &CalculationError{Code: CodeInvalidParam, Method: "base", Message: "overflow", Err: err}
	}
	return pts, trace(ir.MethodBase, fmt.Sprintf("floor(%s * rate)", name),
		map[string]float64{name: amount, "rate": rate}, pts), nil
}

func (d *Dispatcher) multiplier(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	m, err := requireParam(ir.MethodMultiplier, params, "multiplier")
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	rate, amount, name, err := d.rateAndAmount(ir.MethodMultiplier, params, ec)
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	base := math.Floor(amount * rate)
	pts, err := floorPoints(base * (m - 1.0))
	if err != nil {
		return 0, ir.ComputationTrace{}, &CalculationError{Code: CodeInvalidParam, Method: "multiplier", Message: "overflow", Err: err}
	}
	return pts, trace(ir.MethodMultiplier, fmt.Sprintf("floor(floor(%s * rate) * (multiplier - 1))", name),
		map[string]float64{name: amount, "rate": rate, "multiplier": m, "base": base}, pts), nil
}

func (d *Dispatcher) threshold(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	limit, err := requireParam(ir.MethodThreshold, params, "threshold")
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	bonus, err := requireParam(ir.MethodThreshold, params, "bonus")
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	ref, name, err := referenceAmount(ir.MethodThreshold, ec)
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}

	var pts int64
	if ref >= limit {
		pts = int64(math.Trunc(bonus))
	}
	return pts, trace(ir.MethodThreshold, fmt.Sprintf("%s >= threshold ? bonus : 0", name),
		map[string]float64{name: ref, "threshold": limit, "bonus": bonus}, pts), nil
}

func (d *Dispatcher) activity(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	ppu, err := requireParam(ir.MethodActivity, params, "pointsPerUnit")
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	if !ec.HasUnitCount {
		return 0, ir.ComputationTrace{}, missingInput("activity", "unitCount")
	}
	units := ec.UnitCount
	inputs := map[string]float64{"unitCount": units, "pointsPerUnit": ppu}

	formula := "unitCount * pointsPerUnit"
	capped, hasCap, err := numberParam(ir.MethodActivity, params, "capPerPeriod")
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	if hasCap {
		units = math.Min(units, capped)
		inputs["capPerPeriod"] = capped
		formula = "min(unitCount, capPerPeriod) * pointsPerUnit"
	}

	pts, err := floorPoints(units * ppu)
	if err != nil {
		return 0, ir.ComputationTrace{}, &CalculationError{Code: CodeInvalidParam, Method: "activity", Message: "overflow", Err: err}
	}
	return pts, trace(ir.MethodActivity, formula, inputs, pts), nil
}

func (d *Dispatcher) percentage(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	pct, err := requireParam(ir.MethodPercentage, params, "percentage")
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	if !ec.HasAmount {
		return 0, ir.ComputationTrace{}, missingInput("percentage", "amount")
	}
	// Half-up rounding; math.Round rounds half away from zero.
	pts, err := floorPoints(ec.Amount*pct/100 + 0.5)
	if err != nil {
		return 0, ir.ComputationTrace{}, &CalculationError{Code: CodeInvalidParam, Method: "percentage", Message: "overflow", Err: err}
	}
	return pts, trace(ir.MethodPercentage, "round(amount * percentage / 100)",
		map[string]float64{"amount": ec.Amount, "percentage": pct}, pts), nil
}

func (d *Dispatcher) redemption(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	requested, ok := ec.RequestedPoints, ec.HasRequestedPoints
	if !ok {
		p, present, err := numberParam(ir.MethodRedemption, params, "points")
		if err != nil {
			return 0, ir.ComputationTrace{}, err
		}
		if !present {
			return 0, ir.ComputationTrace{}, missingInput("redemption", "requestedPoints")
		}
		requested = p
	}
	pts := -int64(math.Abs(math.Trunc(requested)))
	return pts, trace(ir.MethodRedemption, "-abs(requestedPoints)",
		map[string]float64{"requestedPoints": requested}, pts), nil
}

func (d *Dispatcher) adjustment(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	value, ok := ec.AdjustmentPoints, ec.HasAdjustmentPoints
	if !ok {
		p, present, err := numberParam(ir.MethodAdjustment, params, "points")
		if err != nil {
			return 0, ir.ComputationTrace{}, err
		}
		if !present {
			return 0, ir.ComputationTrace{}, missingInput("adjustment", "adjustmentPoints")
		}
		value = p
	}
	pts := int64(math.Trunc(value))
	return pts, trace(ir.MethodAdjustment, "adjustmentPoints",
		map[string]float64{"adjustmentPoints": value}, pts), nil
}

func (d *Dispatcher) formula(params ir.IRObject, ec Context) (int64, ir.ComputationTrace, error) {
	expr, ok := params.String("formula")
	if !ok {
		return 0, ir.ComputationTrace{}, missingInput("formula", "param formula")
	}

	used, err := CheckFormula(expr)
	if err != nil {
		d.logger.Warn("formula rejected, awarding 0 points", "formula", expr, "error", err)
		return 0, trace(ir.MethodFormula, expr, map[string]float64{}, 0), nil
	}

	vars := d.formulaVariables(params, ec)
	inputs := make(map[string]float64, len(used))
	for _, name := range used {
		if v, ok := vars[name]; ok {
			inputs[name] = v
		}
	}

	substituted, err := SubstituteFormula(expr, vars)
	if err != nil {
		if errors.Is(err, ErrFormulaRejected) {
			d.logger.Warn("formula rejected after substitution, awarding 0 points", "formula", expr, "error", err)
			return 0, trace(ir.MethodFormula, expr, inputs, 0), nil
		}
		return 0, ir.ComputationTrace{}, &CalculationError{Code: CodeMissingInput, Method: "formula", Message: "substitution failed", Err: err}
	}

	v, err := EvaluateArithmetic(substituted)
	if err != nil {
		return 0, ir.ComputationTrace{}, err
	}
	pts, err := floorPoints(v)
	if err != nil {
		return 0, ir.ComputationTrace{}, &CalculationError{Code: CodeInvalidParam, Method: "formula", Message: "overflow", Err: err}
	}
	return pts, trace(ir.MethodFormula, expr, inputs, pts), nil
}

func (d *Dispatcher) formulaVariables(params ir.IRObject, ec Context) map[string]float64 {
	vars := make(map[string]float64)
	if ec.HasAmount {
		vars["amount"] = ec.Amount
	}
	if ec.HasRetailAmount {
		vars["retailAmount"] = ec.RetailAmount
	}
	if ec.HasDiscountedAmount {
		vars["discountedAmount"] = ec.DiscountedAmount
	}
	if ec.HasUnitCount {
		vars["unitCount"] = ec.UnitCount
	}
	if ec.HasRequestedPoints {
		vars["requestedPoints"] = ec.RequestedPoints
	}
	if ec.HasAdjustmentPoints {
		vars["adjustmentPoints"] = ec.AdjustmentPoints
	}
	if rate, amount, _, err := d.rateAndAmount(ir.MethodFormula, params, ec); err == nil {
		vars["rate"] = rate
		vars["baseAmount"] = amount
	} else {
		vars["rate"] = d.MarketRate(ec.Market).Rate
	}
	return vars
}
