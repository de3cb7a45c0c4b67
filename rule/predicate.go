package rule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// predicate is a compiled boolean expression over message attributes:
// a disjunction of conjunctions ("&&" binds tighter than "||").
// Evaluation is side-effect-free and never panics; a comparison against a
// missing attribute evaluates to false.
type predicate struct {
	groups [][]comparison
}

type comparison struct {
	field string
	op    string
	value any
	re    *regexp.Regexp // compiled pattern for the "matches" operator
}

// alwaysTrue is the compiled form of an empty predicate.
var alwaysTrue = predicate{}

// compilePredicate parses and validates a predicate expression. Regex
// patterns are compiled here so Match never pays compilation cost and bad
// patterns are rejected at rule-compile time.
func compilePredicate(expr string) (predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return alwaysTrue, nil
	}

	tokens, err := tokenize(expr)
	if err != nil {
		return predicate{}, err
	}

	p := parser{tokens: tokens}
	pred, err := p.parse()
	if err != nil {
		return predicate{}, err
	}
	return pred, nil
}

// evaluate applies the predicate to a message's attributes.
func (p predicate) evaluate(attrs map[string]any) bool {
	if len(p.groups) == 0 {
		return true
	}
	for _, group := range p.groups {
		if evalGroup(group, attrs) {
			return true
		}
	}
	return false
}

func evalGroup(group []comparison, attrs map[string]any) bool {
	for _, cmp := range group {
		if !cmp.evaluate(attrs) {
			return false
		}
	}
	return true
}

func (c comparison) evaluate(attrs map[string]any) bool {
	fieldValue, exists := attrs[c.field]
	if !exists {
		// Missing attribute: the containing comparison is false
		return false
	}

	switch c.op {
	case OpEqual:
		return compareValues(fieldValue, c.value) == 0
	case OpNotEqual:
		return compareValues(fieldValue, c.value) != 0
	case OpLessThan:
		ord, ok := orderValues(fieldValue, c.value)
		return ok && ord < 0
	case OpLessThanEqual:
		ord, ok := orderValues(fieldValue, c.value)
		return ok && ord <= 0
	case OpGreaterThan:
		ord, ok := orderValues(fieldValue, c.value)
		return ok && ord > 0
	case OpGreaterThanEqual:
		ord, ok := orderValues(fieldValue, c.value)
		return ok && ord >= 0
	case OpContains:
		return strings.Contains(stringify(fieldValue), stringify(c.value))
	case OpStartsWith:
		return strings.HasPrefix(stringify(fieldValue), stringify(c.value))
	case OpEndsWith:
		return strings.HasSuffix(stringify(fieldValue), stringify(c.value))
	case OpMatches:
		return c.re != nil && c.re.MatchString(stringify(fieldValue))
	default:
		return false
	}
}

// compareValues compares for equality-style operators: numeric comparison
// when both sides are numbers, string comparison otherwise.
func compareValues(a, b any) int {
	if ord, ok := orderValues(a, b); ok {
		return ord
	}
	return strings.Compare(stringify(a), stringify(b))
}

// orderValues compares two values numerically. Both sides must be numbers
// for an ordering to exist; mixed types have no order and the comparison
// evaluates false.
func orderValues(a, b any) (int, bool) {
	aNum, aOK := toFloat64(a)
	bNum, bOK := toFloat64(b)
	if !aOK || !bOK {
		return 0, false
	}
	switch {
	case aNum < bNum:
		return -1, true
	case aNum > bNum:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// --- tokenizer ---

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokOp
	tokString
	tokNumber
	tokBool
	tokAnd
	tokOr
)

type token struct {
	kind tokenKind
	text string
}

var wordOps = map[string]bool{
	OpContains:   true,
	OpStartsWith: true,
	OpEndsWith:   true,
	OpMatches:    true,
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		ch := expr[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '&':
			if i+1 >= len(expr) || expr[i+1] != '&' {
				return nil, fmt.Errorf("expected '&&' at position %d", i)
			}
			tokens = append(tokens, token{kind: tokAnd})
			i += 2
		case ch == '|':
			if i+1 >= len(expr) || expr[i+1] != '|' {
				return nil, fmt.Errorf("expected '||' at position %d", i)
			}
			tokens = append(tokens, token{kind: tokOr})
			i += 2
		case ch == '=' || ch == '!':
			if i+1 >= len(expr) || expr[i+1] != '=' {
				return nil, fmt.Errorf("expected '%c=' at position %d", ch, i)
			}
			tokens = append(tokens, token{kind: tokOp, text: expr[i : i+2]})
			i += 2
		case ch == '<' || ch == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: expr[i : i+2]})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokOp, text: string(ch)})
				i++
			}
		case ch == '"' || ch == '\'':
			end := strings.IndexByte(expr[i+1:], ch)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at position %d", i)
			}
			tokens = append(tokens, token{kind: tokString, text: expr[i+1 : i+1+end]})
			i += end + 2
		case ch == '-' || ch == '.' || unicode.IsDigit(rune(ch)):
			j := i + 1
			for j < len(expr) && (unicode.IsDigit(rune(expr[j])) || expr[j] == '.' || expr[j] == 'e' ||
				expr[j] == 'E' || expr[j] == '-' || expr[j] == '+') {
				j++
			}
			tokens = append(tokens, token{kind: tokNumber, text: expr[i:j]})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i + 1
			for j < len(expr) && (unicode.IsLetter(rune(expr[j])) || unicode.IsDigit(rune(expr[j])) ||
				expr[j] == '_' || expr[j] == '.') {
				j++
			}
			word := expr[i:j]
			switch {
			case word == "true" || word == "false":
				tokens = append(tokens, token{kind: tokBool, text: word})
			case wordOps[word]:
				tokens = append(tokens, token{kind: tokOp, text: word})
			default:
				tokens = append(tokens, token{kind: tokIdent, text: word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return tokens, nil
}

// --- parser ---

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) parse() (predicate, error) {
	var pred predicate

	group, err := p.parseGroup()
	if err != nil {
		return predicate{}, err
	}
	pred.groups = append(pred.groups, group)

	for p.pos < len(p.tokens) {
		if p.tokens[p.pos].kind != tokOr {
			return predicate{}, fmt.Errorf("expected '||' between groups")
		}
		p.pos++
		group, err := p.parseGroup()
		if err != nil {
			return predicate{}, err
		}
		pred.groups = append(pred.groups, group)
	}

	return pred, nil
}

func (p *parser) parseGroup() ([]comparison, error) {
	var group []comparison

	cmp, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	group = append(group, cmp)

	for p.pos < len(p.tokens) && p.tokens[p.pos].kind == tokAnd {
		p.pos++
		cmp, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		group = append(group, cmp)
	}

	return group, nil
}

func (p *parser) parseComparison() (comparison, error) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokIdent {
		return comparison{}, fmt.Errorf("expected attribute name")
	}
	field := p.tokens[p.pos].text
	p.pos++

	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokOp {
		return comparison{}, fmt.Errorf("expected operator after %q", field)
	}
	op := p.tokens[p.pos].text
	p.pos++

	if p.pos >= len(p.tokens) {
		return comparison{}, fmt.Errorf("expected value after %q %s", field, op)
	}

	var value any
	valTok := p.tokens[p.pos]
	switch valTok.kind {
	case tokString:
		value = valTok.text
	case tokNumber:
		f, err := strconv.ParseFloat(valTok.text, 64)
		if err != nil {
			return comparison{}, fmt.Errorf("invalid number %q: %w", valTok.text, err)
		}
		value = f
	case tokBool:
		value = valTok.text == "true"
	default:
		return comparison{}, fmt.Errorf("expected literal value after %q %s", field, op)
	}
	p.pos++

	cmp := comparison{field: field, op: op, value: value}

	if op == OpMatches {
		pattern, ok := value.(string)
		if !ok {
			return comparison{}, fmt.Errorf("'matches' requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return comparison{}, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		cmp.re = re
	}

	return cmp, nil
}
