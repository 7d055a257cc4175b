// Package segment resolves segment identifiers into ordered recipient id
// lists. Canonical segments are fixed predicates; custom segments are stored
// expression trees validated against an allow-list of fields and operators
// before they are compiled to a parameterized WHERE clause. Raw operator
// input never reaches the query engine, so clause injection is structurally
// impossible.
package segment

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Canonical segment identifiers.
const (
	AllSubscribed = "all_subscribed"
	NoKey         = "no_key"
	Inactive30d   = "inactive_30d"
	Donors        = "donors"
)

// InvalidPredicateError reports a predicate referencing a disallowed field or
// operator, or a structurally malformed expression.
type InvalidPredicateError struct {
	Reason string
	Field  string
	Op     string
}

func (e *InvalidPredicateError) Error() string {
	msg := "invalid predicate: " + e.Reason
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Op != "" {
		msg += fmt.Sprintf(" (op %q)", e.Op)
	}
	return msg
}

// Node is one element of a predicate expression tree. Exactly one of All,
// Any or the Field/Op pair must be set.
type Node struct {
	All   []Node `json:"all,omitempty"`
	Any   []Node `json:"any,omitempty"`
	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

var allowedFields = map[string]bool{
	"tg_id":            true,
	"username":         true,
	"key":              true,
	"is_subscribed":    true,
	"is_donor":         true,
	"last_activity_at": true,
	"created_at":       true,
}

// Symbolic operator names; the SQL text on the right is the only SQL a
// predicate can ever contribute.
var allowedOps = map[string]string{
	"eq":       "=",
	"ne":       "!=",
	"lt":       "<",
	"le":       "<=",
	"gt":       ">",
	"ge":       ">=",
	"is_null":  "IS NULL",
	"not_null": "IS NOT NULL",
}

func isUnary(op string) bool { return op == "is_null" || op == "not_null" }

// ParseExpr decodes and validates a stored predicate expression.
func ParseExpr(raw string) (Node, error) {
	var n Node
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		return Node{}, &InvalidPredicateError{Reason: "malformed expression: " + err.Error()}
	}
	if err := n.Validate(); err != nil {
		return Node{}, err
	}
	return n, nil
}

func (n Node) Validate() error {
	set := 0
	if len(n.All) > 0 {
		set++
	}
	if len(n.Any) > 0 {
		set++
	}
	if n.Field != "" || n.Op != "" {
		set++
	}
	if set != 1 {
		return &InvalidPredicateError{Reason: "node must be exactly one of all/any/comparison"}
	}

	switch {
	case len(n.All) > 0:
		for _, c := range n.All {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	case len(n.Any) > 0:
		for _, c := range n.Any {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	default:
		if !allowedFields[n.Field] {
			return &InvalidPredicateError{Reason: "field not allowed", Field: n.Field}
		}
		if _, ok := allowedOps[n.Op]; !ok {
			return &InvalidPredicateError{Reason: "operator not allowed", Field: n.Field, Op: n.Op}
		}
		if isUnary(n.Op) {
			if n.Value != nil {
				return &InvalidPredicateError{Reason: "unary operator takes no value", Field: n.Field, Op: n.Op}
			}
			return nil
		}
		switch n.Value.(type) {
		case string, float64, int, int64, bool:
		default:
			return &InvalidPredicateError{Reason: "unsupported literal type", Field: n.Field, Op: n.Op}
		}
	}
	return nil
}

// Compile validates the tree and renders it to a parameterized boolean SQL
// expression over the recipients relation.
func Compile(n Node) (string, []any, error) {
	if err := n.Validate(); err != nil {
		return "", nil, err
	}
	var args []any
	clause := compile(n, &args)
	return clause, args, nil
}

func compile(n Node, args *[]any) string {
	join := func(children []Node, sep string) string {
		parts := make([]string, 0, len(children))
		for _, c := range children {
			parts = append(parts, compile(c, args))
		}
		return "(" + strings.Join(parts, sep) + ")"
	}
	switch {
	case len(n.All) > 0:
		return join(n.All, " AND ")
	case len(n.Any) > 0:
		return join(n.Any, " OR ")
	default:
		sqlOp := allowedOps[n.Op]
		if isUnary(n.Op) {
			return fmt.Sprintf("%s %s", n.Field, sqlOp)
		}
		*args = append(*args, n.Value)
		return fmt.Sprintf("%s %s ?", n.Field, sqlOp)
	}
}
