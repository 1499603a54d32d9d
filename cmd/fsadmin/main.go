// Command fsadmin is the operator CLI for the form-sender orchestrator. Most
// commands talk to the admin HTTP API; the triggers command reads the trigger
// records straight from Redis.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/config"
	"github.com/neurify-goto/form-sender-orchestrator/internal/bootstrap"
	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/props"
	"github.com/neurify-goto/form-sender-orchestrator/internal/trigger"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const requestTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdCtx := &commandContext{
		Ctx:    ctx,
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"start": {
			name:        "start",
			description: "Start form sending for one targeting, or all active targetings",
			run:         runStart,
		},
		"stop": {
			name:        "stop",
			description: "Stop running form-sender workloads",
			run:         runStop,
		},
		"status": {
			name:        "status",
			description: "List running form-sender workloads",
			run:         runStatus,
		},
		"queue-build": {
			name:        "queue-build",
			description: "Rebuild today's send queue",
			run:         runQueueBuild,
		},
		"queue-reset": {
			name:        "queue-reset",
			description: "Reset the send queue (production or extra)",
			run:         runQueueReset,
		},
		"triggers": {
			name:        "triggers",
			description: "List pending one-shot trigger records from Redis",
			run:         runTriggers,
		},
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: fsadmin <command> [flags]")
	fmt.Fprintln(os.Stderr)

	names := make([]string, 0)
	for name := range commands() {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	for _, name := range names {
		cmd := commands()[name]
		fmt.Fprintf(w, "  %s\t%s\n", cmd.name, cmd.description)
	}
	_ = w.Flush()
}

// apiFlags are the flags shared by the HTTP-backed commands.
type apiFlags struct {
	api   string
	token string
}

func bindAPIFlags(fs *flag.FlagSet) *apiFlags {
	f := &apiFlags{}
	fs.StringVar(&f.api, "api", "http://localhost:8080", "admin API base URL")
	fs.StringVar(&f.token, "token", os.Getenv("FSADMIN_TOKEN"), "bearer token for the admin API")
	return f
}

func callAPI(ctx context.Context, f *apiFlags, method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, f.api+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call admin api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("admin api returned status %d", resp.StatusCode)
	}
	return nil
}

func runStart(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	api := bindAPIFlags(fs)
	targeting := fs.Int("targeting", 0, "targeting ID (0 starts every active targeting)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var body any
	if *targeting > 0 {
		body = map[string]int{"targeting_id": *targeting}
	}
	return callAPI(ctx.Ctx, api, http.MethodPost, "/api/form-sender/start", body)
}

func runStop(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	api := bindAPIFlags(fs)
	targeting := fs.Int("targeting", 0, "targeting ID (0 stops everything)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var body any
	if *targeting > 0 {
		body = map[string]int{"targeting_id": *targeting}
	}
	return callAPI(ctx.Ctx, api, http.MethodPost, "/api/form-sender/stop", body)
}

func runStatus(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	api := bindAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return callAPI(ctx.Ctx, api, http.MethodGet, "/api/form-sender/executions", nil)
}

func runQueueBuild(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("queue-build", flag.ExitOnError)
	api := bindAPIFlags(fs)
	targeting := fs.Int("targeting", 0, "targeting ID (0 builds every active targeting)")
	testMode := fs.Bool("test", false, "build into the test queue")
	extra := fs.Bool("extra", false, "build into the extra-company queue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := map[string]any{
		"targeting_id": *targeting,
		"test_mode":    *testMode,
		"use_extra":    *extra,
	}
	return callAPI(ctx.Ctx, api, http.MethodPost, "/api/form-sender/queue/build", body)
}

func runQueueReset(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("queue-reset", flag.ExitOnError)
	api := bindAPIFlags(fs)
	extra := fs.Bool("extra", false, "reset the extra-company queue instead of production")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return callAPI(ctx.Ctx, api, http.MethodPost, "/api/form-sender/queue/reset",
		map[string]bool{"extra": *extra})
}

func runTriggers(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("triggers", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := bootstrap.ConnectRedis(ctx.Ctx, ctx.Config.Redis, ctx.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			ctx.Logger.Error("close redis failed", "error", cerr)
		}
	}()

	manager := trigger.NewManager(trigger.ManagerOptions{
		Store:  props.NewRedisStoreWithPrefix(client, ctx.Config.Redis.KeyPrefix+"prop:"),
		Logger: ctx.Logger,
	})
	records, err := manager.List(ctx.Ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no pending triggers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHANDLER\tFIRES AT (JST)")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, rec.Handler, clock.ISOJST(rec.FireAt()))
	}
	return w.Flush()
}
