// cmd/cmplatform/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/pflag"

	"github.com/windowsadmins/cmplatform/pkg/catalog"
	"github.com/windowsadmins/cmplatform/pkg/config"
	"github.com/windowsadmins/cmplatform/pkg/history"
	"github.com/windowsadmins/cmplatform/pkg/input"
	"github.com/windowsadmins/cmplatform/pkg/logging"
	"github.com/windowsadmins/cmplatform/pkg/reconcile"
	"github.com/windowsadmins/cmplatform/pkg/report"
	"github.com/windowsadmins/cmplatform/pkg/sccm"
	"github.com/windowsadmins/cmplatform/pkg/session"
	"github.com/windowsadmins/cmplatform/pkg/version"
)

var console *logging.Console

func main() {
	reparseArgs()
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	console = logging.New(stdout)

	flags := pflag.NewFlagSet("cmplatform", pflag.ContinueOnError)
	flags.SetOutput(stdout)
	settingsPath := flags.String("settings", "", "Settings file (default cmplatform.yaml in the data directory or the working directory).")
	flags.String("config", "", "XML configuration document naming the target platform.")
	flags.String("packages", "", "CSV package list.")
	flags.String("report-dir", "", "Directory receiving the report.")
	flags.String("log-dir", "", "Directory receiving the execution log.")
	flags.String("log-level", "", "Transcript level: ERROR, WARN, INFO or DEBUG.")
	flags.String("backend", "", "Package catalog backend: adminservice or catalog.")
	flags.String("catalog", "", "YAML catalog snapshot used by the catalog backend.")
	flags.String("site-code", "", "ConfigMgr site code.")
	flags.String("provider", "", "SMS Provider host name.")
	flags.String("adminservice", "", "AdminService base URL (default https://<provider>/AdminService).")
	flags.Bool("insecure", false, "Skip TLS certificate verification for the AdminService.")
	flags.Int("timeout-seconds", 0, "Timeout of each AdminService request.")
	flags.String("history-db", "", "SQLite database recording every run.")
	listPlatforms := flags.Bool("list-platforms", false, "List the supported platforms known to the site and exit.")
	showHistory := flags.Int("show-history", 0, "Show the last N recorded runs and exit.")
	showPackage := flags.String("show-package", "", "Show every recorded outcome of one package and exit.")
	showConfig := flags.Bool("show-config", false, "Display the current configuration and exit.")
	versionFlag := flags.Bool("version", false, "Print the version and exit.")

	var verbosity int
	flags.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v logs debug lines)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		console.Error("%v", err)
		return 1
	}

	if *versionFlag {
		version.PrintFull(stdout)
		return 0
	}

	cfg, err := config.LoadConfig(*settingsPath, flags)
	if err != nil {
		console.Error("Failed to load configuration: %v", err)
		return 1
	}
	if verbosity > 0 {
		cfg.LogLevel = "DEBUG"
	}

	if *showConfig {
		out, err := cfg.YAML()
		if err != nil {
			console.Error("Failed to render configuration: %v", err)
			return 1
		}
		console.Printf("Current configuration:\n%s", out)
		return 0
	}

	if *showHistory > 0 {
		return printHistory(stdout, cfg, *showHistory)
	}
	if *showPackage != "" {
		return printPackage(stdout, cfg, *showPackage)
	}

	started := time.Now()
	if err := logging.Init(logging.LoggerConfig{
		Dir:           cfg.LogDir,
		Stamp:         logging.Stamp(started),
		Level:         logging.ParseLevel(cfg.LogLevel),
		EnableConsole: true,
		EnableJSON:    true,
		RetentionDays: cfg.LogRetentionDays,
	}); err != nil {
		console.Error("Error initializing logger: %v", err)
		return 1
	}
	defer logging.CloseLogger()
	// The logger keeps the stamp of its first Init; the report shares it.
	stamp := logging.RunStamp()

	signalChan := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	defer func() {
		signal.Stop(signalChan)
		close(done)
	}()
	go func() {
		select {
		case sig := <-signalChan:
			logging.Warn("Signal received, exiting", "signal", sig.String())
			logging.CloseLogger()
			os.Exit(1)
		case <-done:
		}
	}()

	logging.Info("Starting", "version", version.Get().Version, "session", logging.GetSessionID(), "log", logging.LogPath())
	if err := logging.StartSession(hostFacts()); err != nil {
		logging.Debug("Session start event not written", "error", err)
	}

	ctx := context.Background()

	target, err := input.LoadTarget(cfg.TargetConfig)
	if err != nil && !*listPlatforms {
		logging.Error("Failed to load configuration document", "error", err)
		return 1
	}

	var snapshot *catalog.Catalog
	if cfg.Backend == config.BackendCatalog {
		snapshot, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			logging.Error("Failed to load catalog", "path", cfg.CatalogPath, "error", err)
			return 1
		}
	}

	sess, err := session.Resolve(ctx, sessionOptions(cfg, target, snapshot))
	if err != nil {
		var bootErr *session.BootstrapError
		if errors.As(err, &bootErr) {
			logging.Error("Unable to establish the site session, nothing was processed", "error", err)
			return 0
		}
		logging.Error("Session setup failed", "error", err)
		return 1
	}
	logging.Info("Connected to site", "site", sess.SiteCode, "provider", sess.ProviderHost, "backend", cfg.Backend)

	var client sccm.Client
	if snapshot != nil {
		if snapshot.SiteCode != "" && snapshot.SiteCode != sess.SiteCode {
			logging.Warn("Catalog snapshot belongs to another site", "catalogSite", snapshot.SiteCode, "site", sess.SiteCode)
		}
		client = snapshot
	} else {
		baseURL := cfg.AdminServiceURL
		if baseURL == "" {
			baseURL = sccm.BaseURLForProvider(sess.ProviderHost)
		}
		client = sccm.NewAdminService(sccm.AdminServiceOptions{
			BaseURL:            baseURL,
			Username:           cfg.Username,
			Password:           cfg.Password,
			Token:              cfg.Token,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Timeout:            cfg.Timeout(),
		})
	}

	if *listPlatforms {
		return printPlatforms(ctx, stdout, client)
	}

	platform := resolveTarget(ctx, client, target.TargetPlatform)

	requests, err := input.LoadRequests(cfg.PackageList)
	if err != nil {
		logging.Error("Failed to load package list", "error", err)
		return 1
	}
	logging.Info("Loaded package list", "path", cfg.PackageList, "packages", len(requests))

	records := reconcile.New(client, platform).Reconcile(ctx, requests)

	reportPath := report.Path(cfg.ReportDir, stamp)
	if err := report.Write(records, reportPath); err != nil {
		logging.Error("Failed to write report", "error", err)
		return 1
	}

	summary := report.Summarize(records)
	logging.Info("Run complete",
		"report", reportPath,
		"records", summary.Total,
		"updated", summary.Updated,
		"alreadyUpdated", summary.AlreadyUpdatedWithTarget,
		"failed", summary.UpdateFailed,
		"notFound", summary.NotFound,
		"noPrograms", summary.NoPrograms)

	if cfg.HistoryDB != "" {
		recordHistory(ctx, cfg.HistoryDB, history.Run{
			StartedAt:      started,
			FinishedAt:     time.Now(),
			SiteCode:       sess.SiteCode,
			TargetPlatform: target.TargetPlatform,
			ReportPath:     reportPath,
			LogPath:        logging.LogPath(),
			Summary:        summary,
		}, records)
	}

	if err := logging.EndSession("completed", summary.Counts()); err != nil {
		logging.Debug("Session end event not written", "error", err)
	}
	return 0
}

// sessionOptions merges settings with the configuration document. Settings
// win; the catalog snapshot supplies its own site and location.
func sessionOptions(cfg *config.Configuration, target input.TargetConfig, snapshot *catalog.Catalog) session.Options {
	opts := session.Options{
		SiteCode:     firstNonEmpty(cfg.SiteCode, target.SiteCode),
		ProviderHost: firstNonEmpty(cfg.ProviderHost, target.ProviderHost),
		Discover:     cfg.DiscoverSite,
	}
	if snapshot != nil {
		opts.SiteCode = firstNonEmpty(opts.SiteCode, snapshot.SiteCode)
		opts.ProviderHost = firstNonEmpty(opts.ProviderHost, "file://"+filepath.ToSlash(cfg.CatalogPath))
		opts.Discover = false
	}
	return opts
}

// resolveTarget looks the platform up once. When that fails the run goes on
// with an unresolved platform, so every program needing it reports UpdateFailed.
func resolveTarget(ctx context.Context, client sccm.Client, name string) sccm.Platform {
	platform, err := client.ResolvePlatform(ctx, name)
	if err != nil {
		logging.Error("Unable to resolve target platform", "platform", name, "error", err)
		return sccm.Platform{DisplayName: name}
	}
	if err := platform.Validate(); err != nil {
		logging.Warn("Target platform definition looks wrong", "error", err)
	}
	logging.Info("Target platform",
		"platform", platform.DisplayName,
		"os", platform.Platform,
		"minVersion", platform.MinVersion,
		"maxVersion", platform.MaxVersion)
	return platform
}

func recordHistory(ctx context.Context, path string, run history.Run, records []report.OutcomeRecord) {
	db, err := history.Open(path)
	if err != nil {
		logging.Error("Failed to open history database", "path", path, "error", err)
		return
	}
	defer db.Close()

	id, err := db.RecordRun(ctx, run, records)
	if err != nil {
		logging.Error("Failed to record run history", "path", path, "error", err)
		return
	}
	logging.Debug("Recorded run history", "path", path, "run", id)
}

func hostFacts() map[string]interface{} {
	facts := map[string]interface{}{"pid": os.Getpid()}
	info, err := host.Info()
	if err != nil {
		logging.Debug("Host information unavailable", "error", err)
		return facts
	}
	facts["hostname"] = info.Hostname
	facts["os"] = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	facts["kernel"] = info.KernelVersion
	return facts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
