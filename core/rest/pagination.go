package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/restdeck/restdeck/core/logger"
)

// pagination defaults and bounds
const (
	DefaultLimit = 5
	MaxLimit     = 1000
)

// Page is a parsed page request: a bounded window over a filtered, sorted
// record collection.
type Page struct {
	// Offset is the first row of the window, zero-based.
	Offset int
	// Limit is the window size; -1 means the entire collection.
	Limit int
	// Query is the free-form search expression.
	Query string
	// Multiple OR-combines comma-separated free-text terms.
	Multiple bool
	// Sort is the sort column, "created" when empty.
	Sort string
	// Descending is the sort direction, true by default.
	Descending bool
}

// PageResult is one page of a collection plus the links to its neighbours.
type PageResult struct {
	Count    int                      `json:"count"`
	Next     *string                  `json:"next"`
	Previous *string                  `json:"previous"`
	Result   []map[string]interface{} `json:"result"`
}

// ParsePage reads the page parameters offset, limit, query, multiple, sort
// and desc from the request. Malformed numbers and flags fail validation;
// malformed filter or sort values inside the query expression do not, those
// degrade to an empty result at execution time.
func ParsePage(r *http.Request) (Page, error) {
	page := Page{Limit: DefaultLimit, Descending: true}
	params := r.URL.Query()
	if s := params.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			return page, ValidationFailedf("offset", "invalid offset '%s'", s)
		}
		page.Offset = offset
	}
	if s := params.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < -1 {
			return page, ValidationFailedf("limit", "invalid limit '%s'", s)
		}
		if limit > MaxLimit {
			limit = MaxLimit
		}
		page.Limit = limit
	}
	if s := params.Get("multiple"); s != "" {
		multiple, err := strconv.ParseBool(s)
		if err != nil {
			return page, ValidationFailedf("multiple", "invalid flag '%s'", s)
		}
		page.Multiple = multiple
	}
	if s := params.Get("desc"); s != "" {
		descending, err := strconv.ParseBool(s)
		if err != nil {
			return page, ValidationFailedf("desc", "invalid flag '%s'", s)
		}
		page.Descending = descending
	}
	page.Query = params.Get("query")
	page.Sort = params.Get("sort")
	return page, nil
}

// previousLink returns the link to the window before this one, nil on the
// first page. A previous window starting at row 0 omits the offset parameter
// entirely so that the first page has a canonical URL.
func (p Page) previousLink(u *url.URL) *string {
	if p.Offset <= 0 {
		return nil
	}
	params := cloneQuery(u)
	if p.Offset-p.Limit > 0 {
		params.Set("offset", strconv.Itoa(p.Offset-p.Limit))
	} else {
		params.Del("offset")
	}
	link := u.Path + "?" + params.Encode()
	return &link
}

// nextLink returns the link to the window after this one, nil when the
// current window already reaches the end or is unbounded.
func (p Page) nextLink(u *url.URL, count int) *string {
	if p.Limit == -1 || p.Offset+p.Limit >= count {
		return nil
	}
	params := cloneQuery(u)
	params.Set("offset", strconv.Itoa(p.Offset+p.Limit))
	link := u.Path + "?" + params.Encode()
	return &link
}

func cloneQuery(u *url.URL) url.Values {
	params := url.Values{}
	for key, values := range u.Query() {
		params[key] = values
	}
	return params
}

// buildQuery renders the filters and the parsed search expression of a page
// into a WHERE fragment. Filters with a slice value become set membership
// tests, scalar filters equality tests; the residual free text is matched
// case-insensitively against every column, OR-combined.
func buildQuery(rt *RecordType, filters []Filter, page Page) (string, []interface{}) {
	search := ParseSearchQuery(rt, page.Query)

	var conditions []string
	var params []interface{}
	next := func(value interface{}) string {
		params = append(params, value)
		return "$" + strconv.Itoa(len(params))
	}
	equality := func(f Filter, column Column) {
		switch value := f.Value.(type) {
		case []string:
			placeholders := make([]string, len(value))
			for i, item := range value {
				placeholders[i] = next(item)
			}
			conditions = append(conditions,
				fmt.Sprintf("\"%s\" IN (%s)", f.Column, strings.Join(placeholders, ",")))
		default:
			if column.Type == ColumnTextArray {
				conditions = append(conditions, next(value)+" = ANY(\""+f.Column+"\")")
			} else {
				conditions = append(conditions, "\""+f.Column+"\" = "+next(value))
			}
		}
	}

	for _, f := range filters {
		column, ok := rt.column(f.Column)
		if !ok {
			continue
		}
		equality(f, column)
	}
	for _, f := range search.Fields {
		column, ok := rt.column(f.Column)
		if !ok {
			continue
		}
		// in multiple mode, a comma-separated field value matches any of
		// its alternatives
		if value, isString := f.Value.(string); isString && page.Multiple && strings.Contains(value, ",") {
			pattern := strings.ReplaceAll(value, ",", "|")
			conditions = append(conditions, "\""+f.Column+"\"::text ~* "+next(pattern))
			continue
		}
		equality(f, column)
	}
	if search.CreatedAfter != nil {
		conditions = append(conditions, "\"created\" >= "+next(*search.CreatedAfter))
	}
	if search.Text != "" {
		pattern := search.Text
		if page.Multiple {
			pattern = strings.ReplaceAll(pattern, ",", "|")
		}
		placeholder := next(pattern)
		var textConditions []string
		for _, name := range rt.columnNames() {
			textConditions = append(textConditions, "\""+name+"\"::text ~* "+placeholder)
		}
		conditions = append(conditions, "("+strings.Join(textConditions, " OR ")+")")
	}

	if len(conditions) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(conditions, " AND "), params
}

// GetCount returns the number of distinct records matching the filters and
// the page's search expression. A filter value the storage engine rejects
// counts as zero matches, not as a fault.
func (l *Lifecycle) GetCount(ctx context.Context, rt *RecordType, filters []Filter, page Page) (int, error) {
	where, params := buildQuery(rt, filters, page)
	query := fmt.Sprintf("SELECT count(DISTINCT id) FROM %s.\"%s\"%s;", l.db.Schema, rt.Table, where)
	var count int
	err := l.db.QueryRowContext(ctx, query, params...).Scan(&count)
	if err != nil {
		if isTransientReadError(err) {
			logger.FromContext(ctx).WithError(err).Debugln("count degraded to zero")
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// GetList returns one window of records matching the filters and the page's
// search expression, sorted and deduplicated. An unknown sort column or a
// filter value the storage engine rejects yields an empty page.
func (l *Lifecycle) GetList(ctx context.Context, rt *RecordType, filters []Filter, page Page) ([]map[string]interface{}, error) {
	records := []map[string]interface{}{}

	sort := page.Sort
	if sort == "" {
		sort = "created"
	}
	if _, ok := rt.column(sort); !ok {
		return records, nil
	}
	direction := "ASC"
	if page.Descending {
		direction = "DESC"
	}

	where, params := buildQuery(rt, filters, page)
	query := fmt.Sprintf("SELECT %s FROM %s.\"%s\"%s GROUP BY id ORDER BY \"%s\" %s",
		"\""+strings.Join(rt.columnNames(), "\", \"")+"\"",
		l.db.Schema, rt.Table, where, sort, direction)
	if page.Limit != -1 {
		query += " LIMIT " + strconv.Itoa(page.Limit)
	}
	query += " OFFSET " + strconv.Itoa(page.Offset) + ";"

	rows, err := l.db.QueryContext(ctx, query, params...)
	if err != nil {
		if isTransientReadError(err) {
			logger.FromContext(ctx).WithError(err).Debugln("list degraded to empty page")
			return records, nil
		}
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		record, err := rt.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Paginate runs the count and the page fetch concurrently over the same
// filtered query and computes the neighbour links. The two reads may observe
// slightly different snapshots under concurrent writes, which is accepted.
// A postprocess step is applied to the fetched page only, never to the full
// matching set.
func (l *Lifecycle) Paginate(ctx context.Context, rt *RecordType, filters []Filter, page Page,
	u *url.URL, postprocess func(ctx context.Context, record map[string]interface{}) error) (*PageResult, error) {

	var count int
	var records []map[string]interface{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		count, err = l.GetCount(gctx, rt, filters, page)
		return err
	})
	g.Go(func() error {
		var err error
		records, err = l.GetList(gctx, rt, filters, page)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if postprocess != nil {
		for _, record := range records {
			if err := postprocess(ctx, record); err != nil {
				return nil, err
			}
		}
	}

	return &PageResult{
		Count:    count,
		Next:     page.nextLink(u, count),
		Previous: page.previousLink(u),
		Result:   records,
	}, nil
}
