// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package expr

import (
	"errors"
	"fmt"
	"time"
)

// ErrSyntax wraps every parse error.
var ErrSyntax = errors.New("expr: syntax error")

type parser struct {
	sc  scanner
	tok token
}

// Parse parses a single SELECT statement.
func Parse(src string) (*Select, error) {
	p := &parser{sc: scanner{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	sel, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %s after statement", p.tok)
	}
	return sel, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}

func (p *parser) advance() error {
	tok, err := p.sc.next()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSyntax, err)
	}
	p.tok = tok
	return nil
}

func (p *parser) keyword(kw string) bool {
	return p.tok.kind == tokIdent && p.tok.upper == kw
}

func (p *parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return p.errorf("expected %s, got %s", kw, p.tok)
	}
	return p.advance()
}

func (p *parser) punct(s string) bool {
	return p.tok.kind == tokPunct && p.tok.text == s
}

func (p *parser) expectPunct(s string) error {
	if !p.punct(s) {
		return p.errorf("expected %q, got %s", s, p.tok)
	}
	return p.advance()
}

func (p *parser) ident() (string, error) {
	if p.tok.kind != tokIdent {
		return "", p.errorf("expected identifier, got %s", p.tok)
	}
	name := p.tok.text
	return name, p.advance()
}

var aggFuncs = map[string]AggFunc{
	"AVG":   AggAvg,
	"SUM":   AggSum,
	"MIN":   AggMin,
	"MAX":   AggMax,
	"COUNT": AggCount,
}

func (p *parser) parseSelect() (*Select, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	sel := &Select{}
	if p.keyword("DISTINCT") {
		sel.Distinct = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	for {
		f, err := p.parseSelectField()
		if err != nil {
			return nil, err
		}
		sel.Fields = append(sel.Fields, f)
		if !p.punct(",") {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.parseEventName()
	if err != nil {
		return nil, err
	}
	sel.Table = table

	if p.keyword("JOIN") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		join, err := p.parseJoin()
		if err != nil {
			return nil, err
		}
		sel.Join = join
	}
	if p.keyword("WHERE") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		sel.Where = cond
	}
	if p.keyword("GROUP") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, name)
			if !p.punct(",") {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.keyword("WINDOW") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		w, err := p.parseWindow()
		if err != nil {
			return nil, err
		}
		sel.Window = w
	}
	return sel, nil
}

func (p *parser) parseSelectField() (SelectField, error) {
	if p.punct("*") {
		return Star{}, p.advance()
	}
	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected select field, got %s", p.tok)
	}
	name := p.tok.text
	fn, isAgg := aggFuncs[p.tok.upper]
	if err := p.advance(); err != nil {
		return nil, err
	}
	if !isAgg || !p.punct("(") {
		return Column{Name: name}, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	agg := Aggregate{Op: fn}
	if p.keyword("DISTINCT") {
		if fn == AggMin || fn == AggMax {
			return nil, p.errorf("DISTINCT is not allowed inside %s", fn)
		}
		agg.Distinct = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if p.punct("*") {
		if fn != AggCount {
			return nil, p.errorf("%s(*) is not allowed", fn)
		}
		agg.Star = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	} else {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		agg.Col = col
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return agg, nil
}

// parseEventName parses a hierarchical event name such as
// syscalls/sys_enter_pread64.
func (p *parser) parseEventName() (string, error) {
	name, err := p.ident()
	if err != nil {
		return "", err
	}
	for p.punct("/") {
		if err := p.advance(); err != nil {
			return "", err
		}
		part, err := p.ident()
		if err != nil {
			return "", err
		}
		name += "/" + part
	}
	return name, nil
}

func (p *parser) parseJoin() (*Join, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	inner, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("USING"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	join := &Join{Inner: inner}
	for {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		join.Using = append(join.Using, name)
		if !p.punct(",") {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return join, nil
}

func (p *parser) parseWindow() (*Window, error) {
	switch {
	case p.keyword("TIME"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		ival, err := p.duration()
		if err != nil {
			return nil, err
		}
		step := ival
		if p.punct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			step, err = p.duration()
			if err != nil {
				return nil, err
			}
		}
		return &Window{Kind: TimeWindow, Interval: ival, Step: step}, nil
	case p.keyword("COUNT"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		step := n
		if p.punct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			step, err = p.number()
			if err != nil {
				return nil, err
			}
		}
		return &Window{Kind: CountWindow, Count: n, CountStep: step}, nil
	}
	return nil, p.errorf("expected TIME or COUNT after WINDOW, got %s", p.tok)
}

func (p *parser) duration() (time.Duration, error) {
	if p.tok.kind != tokDuration {
		return 0, p.errorf("expected duration (e.g. 1s), got %s", p.tok)
	}
	d := p.tok.dur
	return d, p.advance()
}

func (p *parser) number() (uint64, error) {
	if p.tok.kind != tokNumber {
		return 0, p.errorf("expected integer, got %s", p.tok)
	}
	n := p.tok.num
	return n, p.advance()
}

// Condition grammar: OR binds loosest, then AND, then
// comparisons; parentheses group.

func (p *parser) parseOr() (Cond, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: Or, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Cond, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: And, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Cond, error) {
	if p.punct("(") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	op, err := p.cmpOp()
	if err != nil {
		return nil, err
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return &Compare{Op: op, Left: left, Right: right}, nil
}

func (p *parser) operand() (Cond, error) {
	switch p.tok.kind {
	case tokIdent:
		name := p.tok.text
		return Ident{Name: name}, p.advance()
	case tokNumber:
		n := p.tok.num
		return Integer{Value: n}, p.advance()
	case tokDuration:
		return nil, p.errorf("only integer literals are allowed in comparisons")
	}
	return nil, p.errorf("expected column or integer, got %s", p.tok)
}

func (p *parser) cmpOp() (CmpOp, error) {
	if p.tok.kind != tokPunct {
		return 0, p.errorf("expected comparison operator, got %s", p.tok)
	}
	var op CmpOp
	switch p.tok.text {
	case "=":
		op = Eq
	case "!=":
		op = Ne
	case "<":
		op = Lt
	case "<=":
		op = Le
	case ">":
		op = Gt
	case ">=":
		op = Ge
	default:
		return 0, p.errorf("unsupported comparison operator %q", p.tok.text)
	}
	return op, p.advance()
}
