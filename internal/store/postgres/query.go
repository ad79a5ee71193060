package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// listQuery assembles "SELECT ... WHERE ... ORDER BY ... LIMIT ... OFFSET"
// with positional arguments.
type listQuery struct {
	sb    strings.Builder
	args  []any
	where bool
}

func newListQuery(selectFrom string) *listQuery {
	q := &listQuery{}
	q.sb.WriteString(selectFrom)
	return q
}

func (q *listQuery) and(cond string, arg any) {
	if q.where {
		q.sb.WriteString(" AND ")
	} else {
		q.sb.WriteString(" WHERE ")
		q.where = true
	}
	q.args = append(q.args, arg)
	q.sb.WriteString(fmt.Sprintf(cond, len(q.args)))
}

// window applies the Since/Until range on column and the page bounds.
func (q *listQuery) window(column, orderBy string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.and(column+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.and(column+" <= $%d", *opts.Until)
	}
	q.sb.WriteString(" ORDER BY " + orderBy)
	if opts.Limit > 0 {
		q.args = append(q.args, opts.Limit)
		q.sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(q.args)))
	}
	if opts.Offset > 0 {
		q.args = append(q.args, opts.Offset)
		q.sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(q.args)))
	}
}

func (q *listQuery) String() string { return q.sb.String() }
