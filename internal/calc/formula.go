package calc

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// FormulaVariables is the whitelist of names a custom formula may reference.
var FormulaVariables = []string{
	"amount",
	"retailAmount",
	"discountedAmount",
	"baseAmount",
	"rate",
	"unitCount",
	"requestedPoints",
	"adjustmentPoints",
}

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// allowedFormulaChars is everything a substituted formula may contain.
const allowedFormulaChars = "0123456789+-*/(). \t"

// CheckFormula validates expr without evaluating it: every identifier must be
// whitelisted and, once identifiers are removed, only digits, operators,
// parentheses, dots and whitespace may remain. It returns the identifiers
// referenced, in first-use order.
func CheckFormula(expr string) ([]string, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrFormulaRejected)
	}

	var used []string
	for _, name := range identPattern.FindAllString(expr, -1) {
		if !slices.Contains(FormulaVariables, name) {
			return nil, fmt.Errorf("%w: unknown variable %q", ErrFormulaRejected, name)
		}
		if !slices.Contains(used, name) {
			used = append(used, name)
		}
	}

	stripped := identPattern.ReplaceAllString(expr, "0")
	if err := checkChars(stripped); err != nil {
		return nil, err
	}
	return used, nil
}

// SubstituteFormula replaces each whitelisted variable with its value and
// re-checks the result against the character whitelist. Values are
// parenthesized so negative inputs keep their sign under any operator.
func SubstituteFormula(expr string, vars map[string]float64) (string, error) {
	if _, err := CheckFormula(expr); err != nil {
		return "", err
	}

	var missing string
	out := identPattern.ReplaceAllStringFunc(expr, func(name string) string {
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return "0"
		}
		return "(" + strconv.FormatFloat(v, 'f', -1, 64) + ")"
	})
	if missing != "" {
		return "", fmt.Errorf("variable %q has no value for this event", missing)
	}

	if err := checkChars(out); err != nil {
		return "", err
	}
	return out, nil
}

func checkChars(s string) error {
	for i, r := range s {
		if !strings.ContainsRune(allowedFormulaChars, r) {
			return fmt.Errorf("%w: character %q at offset %d", ErrFormulaRejected, r, i)
		}
	}
	return nil
}

// EvaluateArithmetic parses and evaluates a whitelisted arithmetic
// expression. Grammar:
//
//	expr   := term (("+" | "-") term)*
//	term   := factor (("*" | "/") factor)*
//	factor := ("+" | "-") factor | number | "(" expr ")"
//	number := digits ["." digits] | "." digits
func EvaluateArithmetic(s string) (float64, error) {
	if err := checkChars(s); err != nil {
		return 0, err
	}
	p := &parser{src: s}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, &CalculationError{
			Code:    CodeFormulaSyntax,
			Method:  "formula",
			Message: fmt.Sprintf("unexpected %q at offset %d", p.src[p.pos], p.pos),
		}
	}
	return v, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) syntaxError(msg string) error {
	return &CalculationError{
		Code:    CodeFormulaSyntax,
		Method:  "formula",
		Message: fmt.Sprintf("%s at offset %d", msg, p.pos),
	}
}

func (p *parser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *parser) term() (float64, error) {
	left, err := p.factor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.factor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.factor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, &CalculationError{
					Code:    CodeDivisionByZero,
					Method:  "formula",
					Message: "division by zero",
				}
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *parser) factor() (float64, error) {
	switch c := p.peek(); {
	case c == '+':
		p.pos++
		return p.factor()
	case c == '-':
		p.pos++
		v, err := p.factor()
		return -v, err
	case c == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, p.syntaxError("expected ')'")
		}
		p.pos++
		return v, nil
	case c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case c == 0:
		return 0, p.syntaxError("unexpected end of expression")
	default:
		return 0, p.syntaxError(fmt.Sprintf("unexpected %q", c))
	}
}

func (p *parser) number() (float64, error) {
	start := p.pos
	digits := 0
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
		digits++
	}
	if p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
			digits++
		}
	}
	if digits == 0 {
		return 0, p.syntaxError("malformed number")
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, p.syntaxError("malformed number")
	}
	return v, nil
}
