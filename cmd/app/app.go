package main

import (
	"fmt"

	"github.com/local/docconvert/internal/config"
	"github.com/local/docconvert/internal/converter"
	"github.com/local/docconvert/internal/filetype"
	"github.com/local/docconvert/internal/formats"
	"github.com/local/docconvert/internal/intake"
	"github.com/local/docconvert/internal/limiter"
	"github.com/local/docconvert/internal/orchestrator"
	"github.com/local/docconvert/internal/statuscheck"
	"github.com/local/docconvert/internal/workspace"
)

type app struct {
	cfg        config.Config
	workspaces *workspace.Manager
	office     *converter.Office
	orch       *orchestrator.Orchestrator
	status     *statuscheck.Checker
}

func newApp(cfg config.Config) (*app, error) {
	mgr, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	chrome := cfg.Convert.ChromeBin
	if chrome == "" {
		chrome = converter.ResolveChromeBinary()
	}
	office := converter.NewOffice(converter.OfficeOptions{
		Binary:         cfg.Convert.SofficeBin,
		MaxOutputBytes: cfg.Convert.MaxOutputBytes(),
	})
	backends := converter.StandardBackends(converter.Options{
		ChromeBin: chrome,
		RasterDPI: cfg.Convert.RasterDPI,
	})
	// Share one Office between conversions and the status check.
	backends[formats.BackendOffice] = office
	invoker := converter.NewInvoker(backends)
	if missing := invoker.Missing(formats.Backends()); len(missing) > 0 {
		return nil, fmt.Errorf("no converter registered for %v", missing)
	}

	orch := orchestrator.New(orchestrator.Dependencies{
		Workspaces: mgr,
		Intake:     intake.New(filetype.New()),
		Converter:  invoker,
		Admission:  limiter.New(cfg.Convert.MaxConcurrent, cfg.Convert.AdmissionWait),
		Settings: orchestrator.Settings{
			MaxUploadBytes:      cfg.Convert.MaxUploadBytes(),
			Timeout:             cfg.Convert.Timeout,
			PresentationTimeout: cfg.Convert.PresentationTimeout,
			MaxMergeFiles:       cfg.Convert.MaxMergeFiles,
		},
	})
	status := statuscheck.New(statuscheck.Options{
		Office:        office,
		ChromeBinary:  chrome,
		WorkspaceRoot: mgr.Root(),
	})
	return &app{cfg: cfg, workspaces: mgr, office: office, orch: orch, status: status}, nil
}
