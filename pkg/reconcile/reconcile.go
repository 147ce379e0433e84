// pkg/reconcile/reconcile.go - ensures every requested program supports the target platform.

package reconcile

import (
	"context"
	"errors"

	"github.com/windowsadmins/cmplatform/pkg/input"
	"github.com/windowsadmins/cmplatform/pkg/logging"
	"github.com/windowsadmins/cmplatform/pkg/report"
	"github.com/windowsadmins/cmplatform/pkg/sccm"
)

// Engine walks the package list one package and one program at a time.
type Engine struct {
	client sccm.Client
	target sccm.Platform
}

// New returns an Engine adding target through client.
func New(client sccm.Client, target sccm.Platform) *Engine {
	return &Engine{client: client, target: target}
}

// Reconcile processes requests in order and returns one record per program,
// or one per package that is missing or has no programs. Failures are
// recorded in the returned records and never stop the batch.
func (e *Engine) Reconcile(ctx context.Context, requests []input.PackageRequest) []report.OutcomeRecord {
	var records []report.OutcomeRecord
	for _, req := range requests {
		records = append(records, e.reconcilePackage(ctx, req)...)
	}
	return records
}

func (e *Engine) reconcilePackage(ctx context.Context, req input.PackageRequest) []report.OutcomeRecord {
	logging.Info("Processing package", "package", req.PackageName)

	records, outcome, err := e.packageRecords(ctx, req)

	level := logging.LevelInfo
	if err != nil {
		level = logging.LevelWarn
	}
	emit("package", "reconcile", outcome, "Package reconciled",
		logging.WithPackage(req.PackageName),
		logging.WithContext("records", len(records)),
		logging.WithError(err),
		logging.WithLevel(level))
	return records
}

// packageRecords returns the package's records, the package-level outcome
// for its event and the lookup or listing error, if any.
func (e *Engine) packageRecords(ctx context.Context, req input.PackageRequest) ([]report.OutcomeRecord, string, error) {
	pkg, err := e.client.FindPackage(ctx, req.PackageName)
	if err != nil {
		if errors.Is(err, sccm.ErrPackageNotFound) {
			logging.Warn("Package not found", "package", req.PackageName)
		} else {
			logging.Error("Package lookup failed", "package", req.PackageName, "error", err)
		}
		return []report.OutcomeRecord{
			report.NewRecord(req.PackageName, "", report.StatusNotFound, sccm.PackageMetadata{}, req.Fallback),
		}, string(report.StatusNotFound), err
	}

	programs, err := e.client.ListPrograms(ctx, pkg)
	if err != nil {
		logging.Error("Listing programs failed", "package", req.PackageName, "packageID", pkg.PackageID, "error", err)
	}
	if len(programs) == 0 {
		logging.Warn("Package has no programs", "package", req.PackageName, "packageID", pkg.PackageID)
		return []report.OutcomeRecord{
			report.NewRecord(req.PackageName, report.NoProgramsName, report.StatusNone, pkg.PackageMetadata, req.Fallback),
		}, "NoPrograms", err
	}

	records := make([]report.OutcomeRecord, 0, len(programs))
	for _, program := range programs {
		status := e.reconcileProgram(ctx, pkg, program)
		level := logging.LevelInfo
		if status == report.StatusUpdateFailed {
			level = logging.LevelError
		}
		emit("program", "reconcile", string(status), "Program reconciled",
			logging.WithPackage(req.PackageName),
			logging.WithProgram(program.Name),
			logging.WithLevel(level))
		records = append(records,
			report.NewRecord(req.PackageName, program.Name, status, pkg.PackageMetadata, req.Fallback))
	}
	return records, "Found", nil
}

// emit writes a structured event; a failed write only reaches the debug log.
func emit(eventType, action, status, message string, opts ...logging.EventOption) {
	if err := logging.Event(eventType, action, status, message, opts...); err != nil {
		logging.Debug("Event not written", "type", eventType, "error", err)
	}
}

func (e *Engine) reconcileProgram(ctx context.Context, pkg *sccm.Package, program sccm.Program) report.Status {
	constraints, err := e.client.SupportedOperatingSystems(ctx, pkg.PackageID, program.Name)
	if err != nil {
		logging.Error("Reading supported platforms failed",
			"package", pkg.Name, "program", program.Name, "error", err)
		return report.StatusUpdateFailed
	}

	if e.target.SatisfiedBy(constraints) {
		logging.Info("Program already supports target platform",
			"package", pkg.Name, "program", program.Name, "platform", e.target.DisplayName)
		return report.StatusAlreadyUpdatedWithTarget
	}

	if err := e.client.AddSupportedPlatform(ctx, pkg, program, e.target); err != nil {
		logging.Error("Adding supported platform failed",
			"package", pkg.Name, "program", program.Name, "platform", e.target.DisplayName, "error", err)
		return report.StatusUpdateFailed
	}

	logging.Info("Added supported platform",
		"package", pkg.Name, "program", program.Name, "platform", e.target.DisplayName)
	return report.StatusUpdated
}
