// Package staging persists a canonical record as a one-row CSV file that
// bridges extraction and load.
package staging

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"userpipe/internal/pipeline"
)

// Header is the documented, stable column order of a staging file.
var Header = []string{"username", "first_name", "last_name", "country", "password"}

// Writer owns a staging directory. Artifacts are named per run ID so runs
// never collide.
type Writer struct {
	dir string
}

func New(dir string) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("staging dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// PathFor returns where the artifact for runID lives.
func (w *Writer) PathFor(runID string) string {
	return filepath.Join(w.dir, "user_"+runID+".csv")
}

// Write serializes record to the run's artifact. A second call for the same
// run replaces the file; it never appends.
func (w *Writer) Write(record pipeline.CanonicalRecord, runID string) (pipeline.StagingArtifact, error) {
	if runID == "" {
		return pipeline.StagingArtifact{}, pipeline.NewStepError(pipeline.FailureStaging, pipeline.ReasonIO, "run id is required", nil)
	}
	path := w.PathFor(runID)

	tmp, err := os.CreateTemp(w.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return pipeline.StagingArtifact{}, stagingErr("create temp file", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := encode(tmp, record); err != nil {
		tmp.Close()
		return pipeline.StagingArtifact{}, stagingErr("write row", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return pipeline.StagingArtifact{}, stagingErr("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return pipeline.StagingArtifact{}, stagingErr("close", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return pipeline.StagingArtifact{}, stagingErr("publish artifact", err)
	}
	committed = true

	return pipeline.StagingArtifact{Path: path, RunID: runID, Format: pipeline.StagingFormatCSV}, nil
}

// Read parses the artifact back into a record. A missing file or a row that
// does not match Header is reported as load_failed{malformed}.
func (w *Writer) Read(artifact pipeline.StagingArtifact) (pipeline.CanonicalRecord, error) {
	f, err := os.Open(artifact.Path)
	if err != nil {
		return pipeline.CanonicalRecord{}, malformed("open artifact", err)
	}
	defer f.Close()
	return decode(f)
}

// Remove deletes the run's artifact and any temp files left by an
// interrupted write. Removing an absent artifact is not an error.
func (w *Writer) Remove(runID string) error {
	path := w.PathFor(runID)
	var errs []error
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	leftovers, err := filepath.Glob(path + ".*.tmp")
	if err != nil {
		errs = append(errs, err)
	}
	for _, tmp := range leftovers {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove staging artifact %s: %w", path, err)
	}
	return nil
}

func encode(out io.Writer, record pipeline.CanonicalRecord) error {
	cw := csv.NewWriter(out)
	row := make([]string, 0, len(Header))
	for _, c := range record.Columns() {
		row = append(row, c.Value)
	}
	if err := cw.Write(Header); err != nil {
		return err
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func decode(in io.Reader) (pipeline.CanonicalRecord, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = len(Header)
	rows, err := cr.ReadAll()
	if err != nil {
		return pipeline.CanonicalRecord{}, malformed("parse artifact", err)
	}
	if len(rows) != 2 {
		return pipeline.CanonicalRecord{}, malformed(fmt.Sprintf("expected header and one row, got %d lines", len(rows)), nil)
	}
	for i, name := range Header {
		if rows[0][i] != name {
			return pipeline.CanonicalRecord{}, malformed(fmt.Sprintf("unexpected column %q at position %d", rows[0][i], i), nil)
		}
	}
	row := rows[1]
	record := pipeline.CanonicalRecord{
		Username:  row[0],
		FirstName: row[1],
		LastName:  row[2],
		Country:   row[3],
		Password:  row[4],
	}
	if missing := record.MissingFields(); len(missing) > 0 {
		return pipeline.CanonicalRecord{}, malformed(fmt.Sprintf("empty columns %v", missing), nil)
	}
	return record, nil
}

func stagingErr(msg string, err error) error {
	return pipeline.NewStepError(pipeline.FailureStaging, pipeline.ReasonIO, msg, err)
}

func malformed(msg string, err error) error {
	return pipeline.NewStepError(pipeline.FailureLoad, pipeline.ReasonMalformed, msg, err)
}
