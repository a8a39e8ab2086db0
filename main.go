// Package main is the entry point for the PocketBase host running the report sync engine
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/pocketbase/pocketbase/tools/hook"

	"github.com/axl/reportsync/config"
	"github.com/axl/reportsync/logging"
	_ "github.com/axl/reportsync/migrations"
	"github.com/axl/reportsync/sync"
)

func main() {
	// Format: 2026-01-06T14:05:52Z [reportsync] LEVEL message
	logging.Init("reportsync")

	app := pocketbase.New()

	var migrationsDir string
	app.RootCmd.PersistentFlags().StringVar(
		&migrationsDir,
		"migrationsDir",
		"",
		"the directory with the user defined migrations",
	)

	var automigrate bool
	app.RootCmd.PersistentFlags().BoolVar(
		&automigrate,
		"automigrate",
		true,
		"enable/disable auto migrations",
	)

	// register the `migrate` command
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		TemplateLang: migratecmd.TemplateLangGo,
		Automigrate:  automigrate,
		Dir:          migrationsDir,
	})

	// Engine commands share one lazily built service
	cli := &commandEnv{app: app}
	app.RootCmd.AddCommand(
		newSweepCommand(cli),
		newDispatchRowCommand(cli),
		newResetMarkerCommand(cli),
		newCheckCommand(cli),
		newReportCommand(),
	)

	app.OnServe().Bind(&hook.Handler[*core.ServeEvent]{
		Func: func(e *core.ServeEvent) error {
			cfg, err := config.Load()
			if err != nil {
				slog.Error("Report sync disabled: invalid configuration", "error", err)
				return e.Next()
			}

			svc, err := sync.NewService(context.Background(), app, cfg)
			if err != nil {
				slog.Error("Report sync disabled", "error", err)
				return e.Next()
			}
			if err := svc.Start(e); err != nil {
				return err
			}

			app.OnTerminate().BindFunc(func(te *core.TerminateEvent) error {
				svc.Stop()
				return te.Next()
			})
			return e.Next()
		},
	})

	if err := app.Start(); err != nil {
		slog.Error("Failed to start application", "error", err)
		os.Exit(1)
	}
}
