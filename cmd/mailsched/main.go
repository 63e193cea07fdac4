// Command mailsched runs the scheduled email service.
//
// Usage:
//
//	mailsched serve --config config.yaml
//	mailsched worker --config config.yaml
//	mailsched sender add --name Ops --email ops@example.com --quota 50
//	mailsched reconcile
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"mailsched/internal/app"
	"mailsched/internal/config"
	"mailsched/internal/domain"
)

type CLI struct {
	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the HTTP API, the dispatch workers and the reconciler."`
	API       APICmd       `cmd:"" name:"api" help:"Run only the HTTP API."`
	Worker    WorkerCmd    `cmd:"" help:"Run only the dispatch workers and the reconciler."`
	Sender    SenderCmd    `cmd:"" help:"Manage senders."`
	Reconcile ReconcileCmd `cmd:"" help:"Run one reconcile sweep and exit."`
	Check     CheckCmd     `cmd:"" help:"Validate the configuration and exit."`
	Version   VersionCmd   `cmd:"" help:"Show version information."`

	Config   string   `short:"c" help:"Path to config file (JSON or YAML)." type:"path" env:"MAILSCHED_CONFIG"`
	LogLevel string   `help:"Override logging.level (trace, debug, info, warn, error)."`
	EnvFile  []string `name:"env-file" help:"Dotenv files loaded before config." default:".env"`
}

func (c *CLI) options(mode app.Mode) app.Options {
	return app.Options{ConfigPath: c.Config, Mode: mode, LogLevel: c.LogLevel}
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error { return run(cli.options(app.ModeServe)) }

type APICmd struct{}

func (c *APICmd) Run(cli *CLI) error { return run(cli.options(app.ModeAPI)) }

type WorkerCmd struct{}

func (c *WorkerCmd) Run(cli *CLI) error { return run(cli.options(app.ModeWorker)) }

// run blocks until a signal or a fatal component error.
func run(opts app.Options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatal)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatal
		}
	}
	fatal := a.Err()

	stopCtx, stop := context.WithTimeout(context.Background(), 60*time.Second)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	return fatal
}

type SenderCmd struct {
	Add  SenderAddCmd  `cmd:"" help:"Register a sender."`
	List SenderListCmd `cmd:"" help:"List senders."`
}

type SenderAddCmd struct {
	Name  string `required:"" help:"Display name."`
	Email string `required:"" help:"From address."`
	Quota int    `help:"Messages per hour (0 = default)." default:"0"`
}

func (c *SenderAddCmd) Run(cli *CLI) error {
	ctx := context.Background()
	st, closeFn, err := app.OpenStore(ctx, cli.options(""))
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := st.CreateSender(ctx, domain.Sender{Name: c.Name, Email: c.Email, HourlyQuota: c.Quota})
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("sender %s already exists", c.Email)
	}
	if err != nil {
		return err
	}
	return printJSON(s)
}

type SenderListCmd struct{}

func (c *SenderListCmd) Run(cli *CLI) error {
	ctx := context.Background()
	st, closeFn, err := app.OpenStore(ctx, cli.options(""))
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := st.ListSenders(ctx)
	if err != nil {
		return err
	}
	if list == nil {
		list = []domain.Sender{}
	}
	return printJSON(list)
}

type ReconcileCmd struct {
	Timeout time.Duration `help:"Upper bound for the sweep." default:"2m"`
}

func (c *ReconcileCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cli.options(app.ModeWorker))
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopDone) }()

	runCtx, stop := context.WithTimeout(ctx, c.Timeout)
	defer stop()
	res, err := a.Reconciler().RunOnce(runCtx)
	if perr := printJSON(res); perr != nil {
		return perr
	}
	return err
}

type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := config.NewConfigManager(cli.Config).Parse()
	if err != nil {
		return err
	}
	fmt.Printf("config ok (database=%s queue=%s transport=%s)\n", cfg.Database.Driver, cfg.Queue.Driver, cfg.Transport.Driver)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("mailsched %s\n", version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("mailsched"),
		kong.Description("Scheduled email admission and dispatch."),
		kong.UsageOnError(),
	)
	if err := config.LoadDotEnv(cli.EnvFile...); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
