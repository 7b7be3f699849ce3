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

package compile

import (
	"fmt"

	"github.com/ebql/ebql/expr"
)

// cmpSpelling returns the C spelling of a comparison.
func cmpSpelling(op expr.CmpOp) string {
	if op == expr.Eq {
		return "=="
	}
	return op.String()
}

// lowerFilter converts a WHERE condition into the C
// condition guarding the early return: the program
// branches out when the condition fails, so every
// operator is negated. De Morgan handles the logical
// connectives.
func lowerFilter(c expr.Cond) string {
	switch v := c.(type) {
	case expr.Ident:
		return v.Name
	case expr.Integer:
		return v.String()
	case *expr.Compare:
		return fmt.Sprintf("(%s) %s (%s)",
			lowerFilter(v.Left), cmpSpelling(v.Op.Negate()), lowerFilter(v.Right))
	case *expr.Logical:
		if v.Op == expr.And {
			return fmt.Sprintf("!(%s) || !(%s)", lowerCond(v.Left), lowerCond(v.Right))
		}
		return fmt.Sprintf("!(%s) && !(%s)", lowerCond(v.Left), lowerCond(v.Right))
	}
	return ""
}

// lowerCond renders a condition without negation, used
// under an explicit ! introduced by lowerFilter.
func lowerCond(c expr.Cond) string {
	switch v := c.(type) {
	case expr.Ident:
		return v.Name
	case expr.Integer:
		return v.String()
	case *expr.Compare:
		return fmt.Sprintf("(%s) %s (%s)",
			lowerCond(v.Left), cmpSpelling(v.Op), lowerCond(v.Right))
	case *expr.Logical:
		op := "&&"
		if v.Op == expr.Or {
			op = "||"
		}
		return fmt.Sprintf("(%s) %s (%s)", lowerCond(v.Left), op, lowerCond(v.Right))
	}
	return ""
}
