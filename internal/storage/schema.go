package storage

// The table specs live here so every backend renders the same logical schema
// in its own dialect.

// Logical column types. Backends map them onto native types.
const (
	TypeKey  = "key"  // short indexable string (ids, hashes)
	TypeText = "text" // unbounded text (markup, JSON)
	TypeInt  = "int"
	TypeTime = "time"
)

// TableSpec describes one table.
type TableSpec struct {
	Name        string
	Columns     []ColumnSpec
	PrimaryKey  []string
	Constraints []ConstraintSpec
}

// ColumnSpec describes one column.
type ColumnSpec struct {
	Name     string
	Type     string
	Nullable bool
}

// ConstraintSpec is a secondary index; Kind is "index" or "unique".
type ConstraintSpec struct {
	Kind    string
	Columns []string
}

// ColumnNames returns the column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Tables returns the snapshot and training table specs, in creation order.
func Tables(prefix string) []TableSpec {
	return []TableSpec{SnapshotTable(prefix), TrainingTable(prefix)}
}

// SnapshotTable is keyed by request id.
func SnapshotTable(prefix string) TableSpec {
	return TableSpec{
		Name: prefix + "snapshots",
		Columns: []ColumnSpec{
			{Name: "request_id", Type: TypeKey},
			{Name: "page_url", Type: TypeText, Nullable: true},
			{Name: "markup", Type: TypeText},
			{Name: "markup_hash", Type: TypeKey},
			{Name: "context_json", Type: TypeText},
			{Name: "result_json", Type: TypeText},
			{Name: "created_at", Type: TypeTime},
		},
		PrimaryKey:  []string{"request_id"},
		Constraints: []ConstraintSpec{{Kind: "index", Columns: []string{"markup_hash"}}},
	}
}

// TrainingTable is keyed by row hash.
func TrainingTable(prefix string) TableSpec {
	return TableSpec{
		Name: prefix + "training",
		Columns: []ColumnSpec{
			{Name: "row_hash", Type: TypeKey},
			{Name: "request_id", Type: TypeKey},
			{Name: "accepted_index", Type: TypeInt},
			{Name: "context_json", Type: TypeText},
			{Name: "candidates_json", Type: TypeText},
			{Name: "created_at", Type: TypeTime},
		},
		PrimaryKey:  []string{"row_hash"},
		Constraints: []ConstraintSpec{{Kind: "index", Columns: []string{"request_id"}}},
	}
}

// SnapshotValues returns s in SnapshotTable column order.
func SnapshotValues(s Snapshot) []any {
	return []any{s.RequestID, s.PageURL, s.Markup, s.MarkupHash, string(s.Context), string(s.Result), s.CreatedAt}
}

// TrainingValues returns r in TrainingTable column order.
func TrainingValues(r TrainingRecord) []any {
	return []any{r.RowHash, r.RequestID, int64(r.AcceptedIndex), string(r.Context), string(r.Candidates), r.CreatedAt}
}
