package ddbfake

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// exprEnv resolves expression attribute names and values.
type exprEnv struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func (e exprEnv) name(tok string) (string, error) {
	if strings.HasPrefix(tok, "#") {
		n, ok := e.names[tok]
		if !ok {
			return "", fmt.Errorf("ddbfake: undefined expression attribute name %s", tok)
		}
		return n, nil
	}
	return tok, nil
}

func tokenize(s string) ([]string, error) {
	var toks []string
	for i := 0; i < len(s); {
		r := rune(s[i])
		switch {
		case unicode.IsSpace(r):
			i++
		case strings.ContainsRune("(),=+-", r):
			toks = append(toks, string(r))
			i++
		case r == '<' || r == '>':
			if i+1 < len(s) && (s[i+1] == '=' || (r == '<' && s[i+1] == '>')) {
				toks = append(toks, s[i:i+2])
				i += 2
			} else {
				toks = append(toks, string(r))
				i++
			}
		case r == '#' || r == ':' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i + 1
			for j < len(s) && (s[j] == '_' || s[j] == '.' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			return nil, fmt.Errorf("ddbfake: unexpected %q in expression %q", r, s)
		}
	}
	return toks, nil
}

type parser struct {
	toks []string
	pos  int
	env  exprEnv
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	if strings.EqualFold(p.peek(), kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("ddbfake: expected %q, got %q", tok, got)
	}
	return nil
}

// evalCondition evaluates a condition, filter or key condition expression.
// An empty expression is true.
func evalCondition(expr string, env exprEnv, it item) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	toks, err := tokenize(expr)
	if err != nil {
		return false, err
	}
	p := &parser{toks: toks, env: env}
	ok, err := p.or(it)
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("ddbfake: trailing tokens in %q", expr)
	}
	return ok, nil
}

func (p *parser) or(it item) (bool, error) {
	v, err := p.and(it)
	if err != nil {
		return false, err
	}
	for p.keyword("OR") {
		r, err := p.and(it)
		if err != nil {
			return false, err
		}
		v = v || r
	}
	return v, nil
}

func (p *parser) and(it item) (bool, error) {
	v, err := p.not(it)
	if err != nil {
		return false, err
	}
	for p.keyword("AND") {
		r, err := p.not(it)
		if err != nil {
			return false, err
		}
		v = v && r
	}
	return v, nil
}

func (p *parser) not(it item) (bool, error) {
	if p.keyword("NOT") {
		v, err := p.not(it)
		return !v, err
	}
	return p.primary(it)
}

func (p *parser) primary(it item) (bool, error) {
	if p.peek() == "(" {
		p.next()
		v, err := p.or(it)
		if err != nil {
			return false, err
		}
		return v, p.expect(")")
	}

	switch fn := strings.ToLower(p.peek()); fn {
	case "attribute_exists", "attribute_not_exists", "begins_with":
		p.next()
		if err := p.expect("("); err != nil {
			return false, err
		}
		name, err := p.env.name(p.next())
		if err != nil {
			return false, err
		}
		av, exists := it[name]
		var v bool
		switch fn {
		case "attribute_exists":
			v = exists
		case "attribute_not_exists":
			v = !exists
		case "begins_with":
			if err := p.expect(","); err != nil {
				return false, err
			}
			prefix, _, err := p.operand(it)
			if err != nil {
				return false, err
			}
			s, ok1 := av.(*types.AttributeValueMemberS)
			ps, ok2 := prefix.(*types.AttributeValueMemberS)
			v = ok1 && ok2 && strings.HasPrefix(s.Value, ps.Value)
		}
		return v, p.expect(")")
	}

	left, lok, err := p.operand(it)
	if err != nil {
		return false, err
	}
	op := p.next()
	right, rok, err := p.operand(it)
	if err != nil {
		return false, err
	}
	if !lok || !rok {
		return false, nil
	}
	return compare(left, op, right)
}

// operand reads a path or a value placeholder. ok is false for a path
// missing from the item.
func (p *parser) operand(it item) (types.AttributeValue, bool, error) {
	tok := p.next()
	if strings.HasPrefix(tok, ":") {
		v, ok := p.env.values[tok]
		if !ok {
			return nil, false, fmt.Errorf("ddbfake: undefined expression attribute value %s", tok)
		}
		return v, true, nil
	}
	name, err := p.env.name(tok)
	if err != nil {
		return nil, false, err
	}
	v, ok := it[name]
	return v, ok, nil
}

func compare(a types.AttributeValue, op string, b types.AttributeValue) (bool, error) {
	if op == "=" || op == "<>" {
		eq := reflect.DeepEqual(a, b)
		if an, ok := a.(*types.AttributeValueMemberN); ok {
			if bn, ok := b.(*types.AttributeValueMemberN); ok {
				eq = numberCmp(an.Value, bn.Value) == 0
			}
		}
		return eq == (op == "="), nil
	}

	var c int
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		bn, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false, nil
		}
		c = numberCmp(av.Value, bn.Value)
	case *types.AttributeValueMemberS:
		bs, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return false, nil
		}
		c = strings.Compare(av.Value, bs.Value)
	default:
		return false, nil
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("ddbfake: unsupported comparator %q", op)
}

func numberCmp(a, b string) int {
	af, _ := strconv.ParseFloat(a, 64)
	bf, _ := strconv.ParseFloat(b, 64)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

// applyUpdate applies SET and REMOVE clauses to it in place.
func applyUpdate(expr string, env exprEnv, it item) error {
	toks, err := tokenize(expr)
	if err != nil {
		return err
	}
	p := &parser{toks: toks, env: env}
	for p.pos < len(p.toks) {
		switch {
		case p.keyword("SET"):
			for {
				name, err := p.env.name(p.next())
				if err != nil {
					return err
				}
				if err := p.expect("="); err != nil {
					return err
				}
				v, err := p.setValue(it)
				if err != nil {
					return err
				}
				it[name] = v
				if p.peek() != "," {
					break
				}
				p.next()
			}
		case p.keyword("REMOVE"):
			for {
				name, err := p.env.name(p.next())
				if err != nil {
					return err
				}
				delete(it, name)
				if p.peek() != "," {
					break
				}
				p.next()
			}
		default:
			return fmt.Errorf("ddbfake: unsupported update clause %q in %q", p.peek(), expr)
		}
	}
	return nil
}

func (p *parser) setValue(it item) (types.AttributeValue, error) {
	left, ok, err := p.operand(it)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ddbfake: the provided expression refers to an attribute that does not exist in the item")
	}
	op := p.peek()
	if op != "+" && op != "-" {
		return left, nil
	}
	p.next()
	right, ok, err := p.operand(it)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ddbfake: the provided expression refers to an attribute that does not exist in the item")
	}
	ln, ok1 := left.(*types.AttributeValueMemberN)
	rn, ok2 := right.(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("ddbfake: arithmetic on non-number operands")
	}
	return &types.AttributeValueMemberN{Value: arith(ln.Value, op, rn.Value)}, nil
}

func arith(a, op, b string) string {
	ai, err1 := strconv.ParseInt(a, 10, 64)
	bi, err2 := strconv.ParseInt(b, 10, 64)
	if err1 == nil && err2 == nil {
		if op == "-" {
			bi = -bi
		}
		return strconv.FormatInt(ai+bi, 10)
	}
	af, _ := strconv.ParseFloat(a, 64)
	bf, _ := strconv.ParseFloat(b, 64)
	if op == "-" {
		bf = -bf
	}
	return strconv.FormatFloat(af+bf, 'f', -1, 64)
}
