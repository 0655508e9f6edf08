package rest

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/logger"
	"github.com/restdeck/restdeck/core/schema"
)

// Lifecycle orchestrates create, update and delete of primary records
// together with their declared relations and JSON sub-document fields.
//
// Every write that touches relation tables runs inside one transaction, so
// the delete-then-insert replace of a relation is never observable half-done.
type Lifecycle struct {
	db        *csql.DB
	registry  *Registry
	validator *schema.Validator
}

// NewLifecycle creates a lifecycle over the given database, record type
// registry and schema validator.
func NewLifecycle(db *csql.DB, registry *Registry, validator *schema.Validator) *Lifecycle {
	return &Lifecycle{db: db, registry: registry, validator: validator}
}

// Registry returns the record type registry the lifecycle operates on.
func (l *Lifecycle) Registry() *Registry {
	return l.registry
}

// Validator returns the schema validator the lifecycle operates with.
func (l *Lifecycle) Validator() *schema.Validator {
	return l.validator
}

func filterConditions(filters []Filter, params *[]interface{}) []string {
	var conditions []string
	for _, f := range filters {
		*params = append(*params, f.Value)
		conditions = append(conditions,
			"\""+f.Column+"\" = $"+strconv.Itoa(len(*params)))
	}
	return conditions
}

// GetOne fetches a single record by id under the given filters.
func (l *Lifecycle) GetOne(ctx context.Context, rt *RecordType, id string, filters []Filter) (map[string]interface{}, error) {
	params := []interface{}{id}
	conditions := append([]string{"id = $1"}, filterConditions(filters, &params)...)
	query := fmt.Sprintf("SELECT %s FROM %s.\"%s\" WHERE %s;",
		"\""+strings.Join(rt.columnNames(), "\", \"")+"\"",
		l.db.Schema, rt.Table, strings.Join(conditions, " AND "))
	record, err := rt.scanRecord(l.db.QueryRowContext(ctx, query, params...))
	if err == sql.ErrNoRows {
		return nil, NotFound("no such %s: %s", rt.Name, id)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Load attaches the current relation values and the effective sub-documents
// to a fetched primary record: many-to-many fields as the related-id list,
// one-to-many fields as the full child rows, sub-document fields merged over
// their schema defaults.
func (l *Lifecycle) Load(ctx context.Context, rt *RecordType, record map[string]interface{}) error {
	id, _ := record["id"].(string)
	for _, rel := range rt.Relations {
		if rel.OneToMany {
			children, err := l.loadChildren(ctx, rt, rel, id)
			if err != nil {
				return err
			}
			record[rel.Name] = children
			continue
		}
		relatedIDs, err := l.loadRelatedIDs(ctx, rel, id)
		if err != nil {
			return err
		}
		record[rel.Name] = relatedIDs
	}
	for _, sd := range rt.SubDocs {
		stored, _ := record[sd.Name].(map[string]interface{})
		record[sd.Name] = l.validator.Effective(sd.SchemaID, stored)
	}
	return nil
}

func (l *Lifecycle) loadRelatedIDs(ctx context.Context, rel RelationDescriptor, id string) ([]string, error) {
	query := fmt.Sprintf("SELECT \"%s\" FROM %s.\"%s\" WHERE \"%s\" = $1;",
		rel.RelatedKey, l.db.Schema, rel.Table, rel.ParentKey)
	rows, err := l.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	relatedIDs := []string{}
	for rows.Next() {
		var relatedID string
		if err := rows.Scan(&relatedID); err != nil {
			return nil, err
		}
		relatedIDs = append(relatedIDs, relatedID)
	}
	return relatedIDs, rows.Err()
}

func (l *Lifecycle) loadChildren(ctx context.Context, rt *RecordType, rel RelationDescriptor, id string) ([]map[string]interface{}, error) {
	names := []string{"id", "created"}
	for _, c := range rel.ChildColumns {
		names = append(names, c.Name)
	}
	query := fmt.Sprintf("SELECT \"%s\" FROM %s.\"%s\" WHERE \"%s\" = $1 ORDER BY created;",
		strings.Join(names, "\", \""), l.db.Schema, rel.Table, rel.ParentKey)
	rows, err := l.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	children := []map[string]interface{}{}
	columns := append([]Column{
		{Name: "id", Type: ColumnText},
		{Name: "created", Type: ColumnTimestamp},
	}, rel.ChildColumns...)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i, c := range columns {
			values[i] = scanHolder(c)
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		child := make(map[string]interface{}, len(columns))
		for i, c := range columns {
			child[c.Name] = holderValue(values[i])
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

// popRelations removes the declared relation fields from attrs and returns
// them separately. Only fields explicitly present are returned; an absent
// relation field is left untouched by the write.
func popRelations(rt *RecordType, attrs map[string]interface{}) map[string]interface{} {
	relationValues := map[string]interface{}{}
	for _, rel := range rt.Relations {
		if value, ok := attrs[rel.Name]; ok {
			relationValues[rel.Name] = value
			delete(attrs, rel.Name)
		}
	}
	return relationValues
}

// validateSubDocs validates every sub-document field present in attrs
// against its schema, merging patches over the stored value first. stored is
// nil on create.
func (l *Lifecycle) validateSubDocs(rt *RecordType, attrs, stored map[string]interface{}) error {
	for _, sd := range rt.SubDocs {
		value, ok := attrs[sd.Name]
		if !ok {
			continue
		}
		patch, ok := value.(map[string]interface{})
		if !ok {
			return ValidationFailedf(sd.Name, "must be an object")
		}
		if stored != nil {
			if storedDoc, ok := stored[sd.Name].(map[string]interface{}); ok {
				patch = schema.Merge(storedDoc, patch)
			}
		}
		document, err := json.Marshal(patch)
		if err != nil {
			return err
		}
		fieldErrors, err := l.validator.Validate(sd.SchemaID, document)
		if err != nil {
			return err
		}
		if len(fieldErrors) > 0 {
			for i := range fieldErrors {
				fieldErrors[i].Field = sd.Name + "." + fieldErrors[i].Field
			}
			return ValidationFailed(fieldErrors)
		}
		attrs[sd.Name] = patch
	}
	return nil
}

// Validate checks, before any write, that every foreign-key column in the
// patch references a row the actor may see and that every many-to-many
// relation list resolves completely within the actor's visibility. A partial
// match rejects the entire operation; nothing is written.
//
// All violations surface as the same access-denied failure so that the
// response does not become an existence oracle across tenants.
func (l *Lifecycle) Validate(ctx context.Context, rt *RecordType, attrs, relationValues map[string]interface{}) error {
	actor, _ := access.ActorFromContext(ctx)

	for column, typeName := range rt.ForeignKeys {
		value, ok := attrs[column]
		if !ok || value == nil {
			continue
		}
		id, ok := value.(string)
		if !ok {
			return ValidationFailedf(column, "must be an identifier")
		}
		referenced, ok := l.registry.Get(typeName)
		if !ok {
			return fmt.Errorf("unknown record type %s", typeName)
		}
		visible, err := l.countVisible(ctx, referenced, []string{id}, actor)
		if err != nil {
			return err
		}
		if visible != 1 {
			return AccessDenied()
		}
	}

	for _, rel := range rt.Relations {
		value, ok := relationValues[rel.Name]
		if !ok || rel.OneToMany {
			continue
		}
		relatedIDs, err := toStringSlice(value)
		if err != nil {
			return ValidationFailedf(rel.Name, "must be a list of identifiers")
		}
		if len(relatedIDs) == 0 {
			continue
		}
		related, ok := l.registry.Get(rel.RelatedType)
		if !ok {
			return fmt.Errorf("unknown record type %s", rel.RelatedType)
		}
		distinct := distinctIDs(relatedIDs)
		visible, err := l.countVisible(ctx, related, distinct, actor)
		if err != nil {
			return err
		}
		if visible != len(distinct) {
			return AccessDenied()
		}
	}
	return nil
}

func distinctIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	distinct := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}
	return distinct
}

// countVisible counts how many of the ids exist within the actor's
// visibility of the record type.
func (l *Lifecycle) countVisible(ctx context.Context, rt *RecordType, ids []string, actor *access.Actor) (int, error) {
	var params []interface{}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		params = append(params, id)
		placeholders[i] = "$" + strconv.Itoa(len(params))
	}
	conditions := append([]string{"id IN (" + strings.Join(placeholders, ",") + ")"},
		filterConditions(rt.accessFilters(actor), &params)...)
	query := fmt.Sprintf("SELECT count(DISTINCT id) FROM %s.\"%s\" WHERE %s;",
		l.db.Schema, rt.Table, strings.Join(conditions, " AND "))
	var count int
	err := l.db.QueryRowContext(ctx, query, params...).Scan(&count)
	return count, err
}

// Create persists a new record plus its relation values. The identifier and
// the creation timestamp are assigned server-side; client-supplied values
// are overwritten. The primary insert and all relation inserts share one
// transaction.
func (l *Lifecycle) Create(ctx context.Context, rt *RecordType, attrs map[string]interface{}) (map[string]interface{}, error) {
	if rt.ProcessAttrs != nil {
		rt.ProcessAttrs(attrs)
	}
	relationValues := popRelations(rt, attrs)
	if err := l.validateSubDocs(rt, attrs, nil); err != nil {
		return nil, err
	}
	if err := l.Validate(ctx, rt, attrs, relationValues); err != nil {
		return nil, err
	}

	id := rt.newID()
	attrs["id"] = id
	attrs["created"] = time.Now().UTC()
	if !rt.WithoutMetadata {
		if _, ok := attrs["metadata"]; !ok {
			attrs["metadata"] = map[string]interface{}{}
		}
	}

	var names []string
	var params []interface{}
	for _, c := range rt.allColumns() {
		value, ok := attrs[c.Name]
		if !ok {
			continue
		}
		dbValue, err := toDBValue(c, value)
		if err != nil {
			return nil, ValidationFailedf(c.Name, "%v", err)
		}
		names = append(names, c.Name)
		params = append(params, dbValue)
	}
	placeholders := make([]string, len(params))
	for i := range params {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	insert := fmt.Sprintf("INSERT INTO %s.\"%s\" (\"%s\") VALUES(%s);",
		l.db.Schema, rt.Table, strings.Join(names, "\", \""), strings.Join(placeholders, ","))

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, insert, params...); err == nil {
		err = l.insertRelations(ctx, tx, rt, id, relationValues)
	}
	if err != nil {
		tx.Rollback()
		if isIntegrityViolation(err) {
			return nil, WriteRejected(err)
		}
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	record, err := l.GetOne(ctx, rt, id, nil)
	if err != nil {
		return nil, err
	}
	if err = l.Load(ctx, rt, record); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugf("created %s %s", rt.Name, id)
	return record, nil
}

// Update applies a partial patch to an existing record. Only fields
// explicitly present in the patch are touched; a relation field present in
// the patch is replaced wholesale, delete-then-insert, inside the same
// transaction as the primary update.
func (l *Lifecycle) Update(ctx context.Context, rt *RecordType, record, patch map[string]interface{}) (map[string]interface{}, error) {
	if rt.ProcessAttrs != nil {
		rt.ProcessAttrs(patch)
	}
	relationValues := popRelations(rt, patch)
	delete(patch, "id")
	delete(patch, "created")
	if err := l.validateSubDocs(rt, patch, record); err != nil {
		return nil, err
	}
	if err := l.Validate(ctx, rt, patch, relationValues); err != nil {
		return nil, err
	}
	id, _ := record["id"].(string)

	var assignments []string
	params := []interface{}{id}
	for _, c := range rt.allColumns() {
		value, ok := patch[c.Name]
		if !ok {
			continue
		}
		dbValue, err := toDBValue(c, value)
		if err != nil {
			return nil, ValidationFailedf(c.Name, "%v", err)
		}
		params = append(params, dbValue)
		assignments = append(assignments, "\""+c.Name+"\" = $"+strconv.Itoa(len(params)))
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	// row-level write lock, serializes concurrent patches to the same
	// record; it does not extend to the relation tables
	lock := fmt.Sprintf("SELECT id FROM %s.\"%s\" WHERE id = $1 FOR UPDATE;", l.db.Schema, rt.Table)
	_, err = tx.ExecContext(ctx, lock, id)
	if err == nil && len(assignments) > 0 {
		update := fmt.Sprintf("UPDATE %s.\"%s\" SET %s WHERE id = $1;",
			l.db.Schema, rt.Table, strings.Join(assignments, ", "))
		_, err = tx.ExecContext(ctx, update, params...)
	}
	if err == nil {
		for _, rel := range rt.Relations {
			if _, ok := relationValues[rel.Name]; !ok {
				continue
			}
			deleteQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE \"%s\" = $1;",
				l.db.Schema, rel.Table, rel.ParentKey)
			if _, err = tx.ExecContext(ctx, deleteQuery, id); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = l.insertRelations(ctx, tx, rt, id, relationValues)
	}
	if err != nil {
		tx.Rollback()
		if isIntegrityViolation(err) {
			return nil, WriteRejected(err)
		}
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := l.GetOne(ctx, rt, id, nil)
	if err != nil {
		return nil, err
	}
	if err = l.Load(ctx, rt, updated); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugf("updated %s %s", rt.Name, id)
	return updated, nil
}

// insertRelations inserts the relation rows for the given relation values
// within tx. An empty list is a no-op, not an error.
func (l *Lifecycle) insertRelations(ctx context.Context, tx *sql.Tx, rt *RecordType, id string, relationValues map[string]interface{}) error {
	for _, rel := range rt.Relations {
		value, ok := relationValues[rel.Name]
		if !ok {
			continue
		}
		if rel.OneToMany {
			if err := l.insertChildren(ctx, tx, rel, id, value); err != nil {
				return err
			}
			continue
		}
		relatedIDs, err := toStringSlice(value)
		if err != nil {
			return ValidationFailedf(rel.Name, "must be a list of identifiers")
		}
		insert := fmt.Sprintf("INSERT INTO %s.\"%s\" (\"%s\", \"%s\") VALUES($1, $2) ON CONFLICT DO NOTHING;",
			l.db.Schema, rel.Table, rel.ParentKey, rel.RelatedKey)
		for _, relatedID := range distinctIDs(relatedIDs) {
			if _, err := tx.ExecContext(ctx, insert, id, relatedID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Lifecycle) insertChildren(ctx context.Context, tx *sql.Tx, rel RelationDescriptor, id string, value interface{}) error {
	children, ok := value.([]interface{})
	if !ok {
		return ValidationFailedf(rel.Name, "must be a list of objects")
	}
	names := []string{"id", "created", rel.ParentKey}
	for _, c := range rel.ChildColumns {
		names = append(names, c.Name)
	}
	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	insert := fmt.Sprintf("INSERT INTO %s.\"%s\" (\"%s\") VALUES(%s);",
		l.db.Schema, rel.Table, strings.Join(names, "\", \""), strings.Join(placeholders, ","))

	for _, item := range children {
		child, ok := item.(map[string]interface{})
		if !ok {
			return ValidationFailedf(rel.Name, "must be a list of objects")
		}
		childID, _ := child["id"].(string)
		if childID == "" {
			childID = core.UniqueID()
		}
		params := []interface{}{childID, time.Now().UTC(), id}
		for _, c := range rel.ChildColumns {
			dbValue, err := toDBValue(c, child[c.Name])
			if err != nil {
				return ValidationFailedf(rel.Name+"."+c.Name, "%v", err)
			}
			params = append(params, dbValue)
		}
		if _, err := tx.ExecContext(ctx, insert, params...); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a record and all its relation rows in one transaction. The
// relation deletes are independent of each other and run before the primary
// delete.
func (l *Lifecycle) Delete(ctx context.Context, rt *RecordType, record map[string]interface{}) error {
	id, _ := record["id"].(string)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, rel := range rt.Relations {
		deleteQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE \"%s\" = $1;",
			l.db.Schema, rel.Table, rel.ParentKey)
		if _, err = tx.ExecContext(ctx, deleteQuery, id); err != nil {
			break
		}
	}
	if err == nil {
		deleteQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE id = $1;", l.db.Schema, rt.Table)
		_, err = tx.ExecContext(ctx, deleteQuery, id)
	}
	if err != nil {
		tx.Rollback()
		if isIntegrityViolation(err) {
			return WriteRejected(err)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	logger.FromContext(ctx).Debugf("deleted %s %s", rt.Name, id)
	return nil
}

// DeleteMany removes every record matching both the id list and the filters,
// relation rows included, in one transaction. Ids outside the filters are
// silently skipped, the way the access filter hides them everywhere else.
// It returns the ids actually deleted.
func (l *Lifecycle) DeleteMany(ctx context.Context, rt *RecordType, ids []string, filters []Filter) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var params []interface{}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		params = append(params, id)
		placeholders[i] = "$" + strconv.Itoa(len(params))
	}
	conditions := append([]string{"id IN (" + strings.Join(placeholders, ",") + ")"},
		filterConditions(filters, &params)...)
	where := strings.Join(conditions, " AND ")

	query := fmt.Sprintf("SELECT id FROM %s.\"%s\" WHERE %s;", l.db.Schema, rt.Table, where)
	rows, err := l.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	matched := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		matched = append(matched, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return matched, nil
	}

	var deleteParams []interface{}
	deletePlaceholders := make([]string, len(matched))
	for i, id := range matched {
		deleteParams = append(deleteParams, id)
		deletePlaceholders[i] = "$" + strconv.Itoa(len(deleteParams))
	}
	in := "(" + strings.Join(deletePlaceholders, ",") + ")"

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, rel := range rt.Relations {
		deleteQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE \"%s\" IN %s;",
			l.db.Schema, rel.Table, rel.ParentKey, in)
		if _, err = tx.ExecContext(ctx, deleteQuery, deleteParams...); err != nil {
			break
		}
	}
	if err == nil {
		deleteQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE id IN %s;", l.db.Schema, rt.Table, in)
		_, err = tx.ExecContext(ctx, deleteQuery, deleteParams...)
	}
	if err != nil {
		tx.Rollback()
		if isIntegrityViolation(err) {
			return nil, WriteRejected(err)
		}
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugf("batch deleted %d %s records", len(matched), rt.Name)
	return matched, nil
}
