package pipeline

import "strings"

// CanonicalRecord is the normalized unit of work. Password holds a bcrypt
// hash; plaintext never leaves the extractor.
type CanonicalRecord struct {
	FirstName string
	LastName  string
	Country   string
	Username  string
	Password  string
}

// Key is the natural key used for the destination upsert.
func (r CanonicalRecord) Key() string {
	return r.Username
}

// Columns returns the record as ordered column/value pairs. The order is the
// documented staging column order.
func (r CanonicalRecord) Columns() []Column {
	return []Column{
		{Name: "username", Value: r.Username},
		{Name: "first_name", Value: r.FirstName},
		{Name: "last_name", Value: r.LastName},
		{Name: "country", Value: r.Country},
		{Name: "password", Value: r.Password},
	}
}

// Column is one named field of a record.
type Column struct {
	Name  string
	Value string
}

// MissingFields lists the columns that are empty after trimming.
func (r CanonicalRecord) MissingFields() []string {
	var missing []string
	for _, c := range r.Columns() {
		if strings.TrimSpace(c.Value) == "" {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// Diff lists the columns whose values differ between r and other.
func (r CanonicalRecord) Diff(other CanonicalRecord) []string {
	mine, theirs := r.Columns(), other.Columns()
	var diff []string
	for i := range mine {
		if mine[i].Value != theirs[i].Value {
			diff = append(diff, mine[i].Name)
		}
	}
	return diff
}

// StagingFormatCSV is the only staging encoding: a header plus one row.
const StagingFormatCSV = "csv"

// StagingArtifact is the durable hand-off between extraction and load.
type StagingArtifact struct {
	Path   string
	RunID  string
	Format string
}

// LoadResult reports what the loader did with the staged record.
type LoadResult struct {
	Key      string
	Inserted bool
}
