package querybuilder

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// QueryBuilder provides a fluent interface for building parameterized SELECT
// queries. The ledger schema is append-only, so there are no write builders.
type QueryBuilder struct {
	table      string
	columns    []string
	conditions []Condition
	orderBy    []OrderBy
	limit      *int
}

// Condition represents a WHERE condition
type Condition struct {
	Column   string
	Operator Operator
	Value    interface{}
}

// OrderBy represents an ORDER BY clause
type OrderBy struct {
	Column    string
	Direction Direction
}

// Operator represents SQL comparison operators
type Operator int

const (
	Equal Operator = iota
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	// Any matches when the column equals any element of a string array
	// parameter.
	Any
)

// Direction represents sort direction
type Direction int

const (
	Asc Direction = iota
	Desc
)

// New creates a new QueryBuilder instance
func New() *QueryBuilder {
	return &QueryBuilder{}
}

// Select sets the projected columns
func (qb *QueryBuilder) Select(columns ...string) *QueryBuilder {
	qb.columns = columns
	return qb
}

// From sets the table
func (qb *QueryBuilder) From(table string) *QueryBuilder {
	qb.table = table
	return qb
}

// Where adds a condition. Conditions are joined with AND.
func (qb *QueryBuilder) Where(column string, operator Operator, value interface{}) *QueryBuilder {
	qb.conditions = append(qb.conditions, Condition{Column: column, Operator: operator, Value: value})
	return qb
}

// WhereEqual is a convenience method for equality conditions
func (qb *QueryBuilder) WhereEqual(column string, value interface{}) *QueryBuilder {
	return qb.Where(column, Equal, value)
}

// WhereAny adds "column = ANY($n)" unless values is empty, in which case the
// column is unconstrained.
func (qb *QueryBuilder) WhereAny(column string, values []string) *QueryBuilder {
	if len(values) == 0 {
		return qb
	}
	return qb.Where(column, Any, values)
}

// OrderBy adds an ORDER BY clause
func (qb *QueryBuilder) OrderBy(column string, direction Direction) *QueryBuilder {
	qb.orderBy = append(qb.orderBy, OrderBy{Column: column, Direction: direction})
	return qb
}

// OrderByAsc adds an ORDER BY ASC clause
func (qb *QueryBuilder) OrderByAsc(column string) *QueryBuilder {
	return qb.OrderBy(column, Asc)
}

// Limit sets the LIMIT clause
func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	qb.limit = &limit
	return qb
}

// ToSQL generates the SQL query and parameter list
func (qb *QueryBuilder) ToSQL() (string, []interface{}, error) {
	if qb.table == "" {
		return "", nil, fmt.Errorf("table name is required for SELECT query")
	}

	var query strings.Builder
	var params []interface{}
	paramIndex := 1

	query.WriteString("SELECT ")
	if len(qb.columns) == 0 {
		query.WriteString("*")
	} else {
		query.WriteString(strings.Join(qb.columns, ", "))
	}
	query.WriteString(" FROM ")
	query.WriteString(qb.table)

	if len(qb.conditions) > 0 {
		parts := make([]string, 0, len(qb.conditions))
		for _, c := range qb.conditions {
			part, value, err := buildCondition(c, paramIndex)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, part)
			params = append(params, value)
			paramIndex++
		}
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(parts, " AND "))
	}

	if len(qb.orderBy) > 0 {
		orderClauses := make([]string, len(qb.orderBy))
		for i, order := range qb.orderBy {
			direction := "ASC"
			if order.Direction == Desc {
				direction = "DESC"
			}
			orderClauses[i] = fmt.Sprintf("%s %s", order.Column, direction)
		}
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(orderClauses, ", "))
	}

	if qb.limit != nil {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", paramIndex))
		params = append(params, *qb.limit)
	}

	return query.String(), params, nil
}

func buildCondition(c Condition, paramIndex int) (string, interface{}, error) {
	switch c.Operator {
	case Equal:
		return fmt.Sprintf("%s = $%d", c.Column, paramIndex), c.Value, nil
	case GreaterThan:
		return fmt.Sprintf("%s > $%d", c.Column, paramIndex), c.Value, nil
	case GreaterThanOrEqual:
		return fmt.Sprintf("%s >= $%d", c.Column, paramIndex), c.Value, nil
	case LessThan:
		return fmt.Sprintf("%s < $%d", c.Column, paramIndex), c.Value, nil
	case LessThanOrEqual:
		return fmt.Sprintf("%s <= $%d", c.Column, paramIndex), c.Value, nil
	case Any:
		values, ok := c.Value.([]string)
		if !ok {
			return "", nil, fmt.Errorf("ANY condition on %s needs a []string value", c.Column)
		}
		return fmt.Sprintf("%s = ANY($%d)", c.Column, paramIndex), pq.Array(values), nil
	default:
		return "", nil, fmt.Errorf("unknown operator %d on %s", c.Operator, c.Column)
	}
}
