// pkg/report/report.go - outcome records and the CSV report writer.

package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/windowsadmins/cmplatform/pkg/sccm"
)

// Status is the outcome of one package/program pair.
type Status string

const (
	StatusUpdated                  Status = "Updated"
	StatusAlreadyUpdatedWithTarget Status = "AlreadyUpdatedWithTarget"
	StatusUpdateFailed             Status = "UpdateFailed"
	StatusNotFound                 Status = "NotFound"
	StatusNone                     Status = ""
)

// NoProgramsName is the program name reported for a package without programs.
const NoProgramsName = "Not Found"

// FilePrefix names the report file.
const FilePrefix = "PackageUpdateReport"

// Columns is the fixed header of the report.
var Columns = append([]string{"PackageName", "ProgramName", "Status"}, sccm.MetadataColumns...)

// OutputError reports a report that could not be written.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("writing report %s: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// OutcomeRecord is one report row.
type OutcomeRecord struct {
	PackageName string
	ProgramName string
	Status      Status
	sccm.PackageMetadata
}

// NewRecord builds a record whose metadata comes from the site, with every
// empty field taken from the package list instead.
func NewRecord(packageName, programName string, status Status, site, fallback sccm.PackageMetadata) OutcomeRecord {
	return OutcomeRecord{
		PackageName:     packageName,
		ProgramName:     programName,
		Status:          status,
		PackageMetadata: site.Backfill(fallback),
	}
}

// Row projects the record onto Columns.
func (r OutcomeRecord) Row() []string {
	return append([]string{r.PackageName, r.ProgramName, string(r.Status)}, r.Values()...)
}

// Path returns the report path for an execution timestamp.
func Path(dir, stamp string) string {
	return filepath.Join(dir, FilePrefix+"_"+stamp+".csv")
}

// Encode writes the header and one row per record.
func Encode(w io.Writer, records []OutcomeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(r.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write serializes records to path, creating its directory.
func Write(records []OutcomeRecord, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &OutputError{Path: path, Err: err}
	}

	f, err := os.Create(path)
	if err != nil {
		return &OutputError{Path: path, Err: err}
	}
	if err := Encode(f, records); err != nil {
		f.Close()
		return &OutputError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &OutputError{Path: path, Err: err}
	}
	return nil
}

// Summary counts records per status.
type Summary struct {
	Total                    int
	Updated                  int
	AlreadyUpdatedWithTarget int
	UpdateFailed             int
	NotFound                 int
	NoPrograms               int
}

// Summarize tallies records.
func Summarize(records []OutcomeRecord) Summary {
	s := Summary{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case StatusUpdated:
			s.Updated++
		case StatusAlreadyUpdatedWithTarget:
			s.AlreadyUpdatedWithTarget++
		case StatusUpdateFailed:
			s.UpdateFailed++
		case StatusNotFound:
			s.NotFound++
		default:
			s.NoPrograms++
		}
	}
	return s
}

// Counts returns the summary keyed by status name, for logging and storage.
func (s Summary) Counts() map[string]int {
	return map[string]int{
		"total":                                s.Total,
		string(StatusUpdated):                  s.Updated,
		string(StatusAlreadyUpdatedWithTarget): s.AlreadyUpdatedWithTarget,
		string(StatusUpdateFailed):             s.UpdateFailed,
		string(StatusNotFound):                 s.NotFound,
		"NoPrograms":                           s.NoPrograms,
	}
}
