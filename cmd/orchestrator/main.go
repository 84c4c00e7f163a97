package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/msageha/orchestrator-core/internal/cache"
	"github.com/msageha/orchestrator-core/internal/catalog"
	"github.com/msageha/orchestrator-core/internal/control"
	"github.com/msageha/orchestrator-core/internal/engine"
	"github.com/msageha/orchestrator-core/internal/lock"
	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orchlog"
	"github.com/msageha/orchestrator-core/internal/tui"
	"github.com/msageha/orchestrator-core/internal/uds"
	"github.com/msageha/orchestrator-core/internal/worker"
	"github.com/msageha/orchestrator-core/internal/yamlio"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/msageha/orchestrator-core/templates"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "jobs":
		runJobs(os.Args[2:])
	case "recipes":
		runRecipes(os.Args[2:])
	case "dashboard":
		runDashboard(os.Args[2:])
	case "preferences":
		runPreferences(os.Args[2:])
	case "version":
		fmt.Printf("orchestrator %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// findStateDir searches for .orchestrator/ in the current directory and
// ancestors, honoring $ORCHESTRATOR_STATE_DIR as an override.
func findStateDir() string {
	if dir := os.Getenv("ORCHESTRATOR_STATE_DIR"); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".orchestrator")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func requireStateDir() string {
	dir := findStateDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .orchestrator/ directory not found. Run 'orchestrator setup <dir>' first.")
		os.Exit(1)
	}
	return dir
}

func defaultRuntimeConfig(stateDir string) model.RuntimeConfig {
	return model.RuntimeConfig{
		StateDir:   stateDir,
		SocketPath: filepath.Join(stateDir, uds.DefaultSocketName),
		LogLevel:   "info",
		Workers: map[model.Worker]model.SpawnConfig{
			model.WorkerResolve:  {Executable: "", Args: []string{}},
			model.WorkerMedia:    {Executable: "", Args: []string{}},
			model.WorkerPlatform: {Executable: "", Args: []string{}},
		},
	}
}

func loadRuntimeConfig(stateDir string) (model.RuntimeConfig, error) {
	var cfg model.RuntimeConfig
	err := yamlio.ReadYAMLOrDefault(filepath.Join(stateDir, "config.yaml"), &cfg, func() any {
		return defaultRuntimeConfig(stateDir)
	})
	if err != nil {
		return model.RuntimeConfig{}, err
	}
	cfg.StateDir = stateDir
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(stateDir, uds.DefaultSocketName)
	}
	return cfg, nil
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator setup <project_dir>")
		os.Exit(1)
	}
	stateDir := filepath.Join(args[0], ".orchestrator")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(stateDir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := yamlio.AtomicWriteYAML(cfgPath, defaultRuntimeConfig(stateDir)); err != nil {
			fmt.Fprintf(os.Stderr, "setup: write config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := templates.WriteDefaultCatalog(filepath.Join(stateDir, "recipes.yaml")); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}

	absDir, _ := filepath.Abs(stateDir)
	fmt.Printf("Initialized .orchestrator/ in %s\n", absDir)
	fmt.Println("Edit config.yaml to point each worker at its executable, then run: orchestrator run")
}

func runRun(args []string) {
	stateDir := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--state-dir" && i+1 < len(args) {
			stateDir = args[i+1]
			i++
		}
	}
	if stateDir == "" {
		stateDir = requireStateDir()
	}

	cfg, err := loadRuntimeConfig(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: load config: %v\n", err)
		os.Exit(1)
	}

	log := orchlog.New(os.Stdout, orchlog.ParseLevel(cfg.LogLevel), "orchestrator")

	fileLock := lock.NewFileLock(cfg.LockPath())
	if err := fileLock.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	defer fileLock.Unlock()

	if err := templates.WriteDefaultCatalog(cfg.CatalogPath()); err != nil {
		log.Warn("could not seed default catalog: %v", err)
	}

	cacheStore, err := cache.Open(cfg.CachePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: open step cache: %v\n", err)
		os.Exit(1)
	}
	fingerprinter := cache.NewFingerprinter()

	bus := engine.NewBus()

	sup := worker.New(worker.Config{Spawn: cfg.Workers}, log.With("worker"),
		func(evt model.EventEnvelope) {
			log.Info("worker event: %s code=%s", evt.Event, evt.Code)
		},
		func(w model.Worker, available bool) {
			log.Info("worker %s available=%v", w, available)
			if available {
				bus.Publish(engine.Event{
					Type:   "worker_status",
					Worker: string(w),
					State:  "available",
					Code:   model.StatusCodeWorkerAvailable,
				})
			}
		},
	)
	if err := sup.StartAll(); err != nil {
		fmt.Fprintf(os.Stderr, "run: start workers: %v\n", err)
		os.Exit(1)
	}
	defer sup.StopAll()

	cat, err := catalog.Load(cfg.CatalogPath(), log.With("catalog"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: load catalog: %v\n", err)
		os.Exit(1)
	}
	if err := cat.Watch(); err != nil {
		log.Warn("catalog watch failed: %v", err)
	}
	defer cat.Close()

	eng := engine.New(engine.Config{
		Supervisor:    sup,
		Cache:         cacheStore,
		Fingerprinter: fingerprinter,
		PersistPath:   cfg.PersistencePath(),
		MaterializeFn: func(recipeID string, job *model.Job) (any, error) {
			return cat.MaterializeOutputs(recipeID, job)
		},
	}, log.With("engine"), bus)
	eng.StartActor()
	defer eng.Stop()
	if err := eng.Hydrate(); err != nil {
		log.Warn("hydration failed: %v", err)
	}

	plane, err := control.Open(cat, eng, log.With("control"), cfg.PreferencesPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: open control plane: %v\n", err)
		os.Exit(1)
	}
	if err := plane.WatchPreferences(); err != nil {
		log.Warn("preferences watch failed: %v", err)
	}
	defer plane.Close()

	server := registerServer(cfg.SocketPath, cat, eng, plane, log.With("uds"))
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "run: start control socket: %v\n", err)
		os.Exit(1)
	}
	defer server.Stop()

	log.Info("orchestrator running, socket=%s", cfg.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")
}

func registerServer(socketPath string, cat *catalog.Catalog, eng *engine.Engine, plane *control.Plane, log *orchlog.Logger) *uds.Server {
	server := uds.NewServer(socketPath, log)

	server.Handle("jobs.list", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(eng.ListJobs())
	})
	server.Handle("jobs.get", func(req *uds.Request) *uds.Response {
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		job, ok := eng.GetJob(p.JobID)
		if !ok {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("unknown job %q", p.JobID))
		}
		return uds.SuccessResponse(job)
	})
	server.Handle("jobs.cancel", func(req *uds.Request) *uds.Response {
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		ok, msg := eng.Cancel(p.JobID)
		if !ok {
			return uds.ErrorResponse(uds.ErrCodeNotFound, msg)
		}
		return uds.SuccessResponse(map[string]string{"message": msg})
	})
	server.Handle("jobs.retry", func(req *uds.Request) *uds.Response {
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		result, err := plane.RetryJob(p.JobID)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return uds.SuccessResponse(result)
	})
	server.Handle("recipes.list", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(cat.List())
	})
	server.Handle("recipes.launch", func(req *uds.Request) *uds.Response {
		var p struct {
			RecipeID string                `json:"recipe_id"`
			Input    map[string]any        `json:"input"`
			Options  control.LaunchOptions `json:"options"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		result, err := plane.LaunchRecipe(p.RecipeID, p.Input, p.Options)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return uds.SuccessResponse(result)
	})
	server.Handle("dashboard.snapshot", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(plane.DashboardSnapshot())
	})
	server.Handle("preferences.get", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(plane.Preferences())
	})
	server.Handle("preferences.update", func(req *uds.Request) *uds.Response {
		var patch model.Preferences
		if err := json.Unmarshal(req.Params, &patch); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		updated, err := plane.UpdatePreferences(patch)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(updated)
	})

	server.HandleStream("events.stream", func(ctx context.Context, conn net.Conn, req *uds.Request) {
		var p struct {
			JobID string `json:"job_id"`
		}
		_ = json.Unmarshal(req.Params, &p)

		if err := uds.WriteFrame(conn, uds.SuccessResponse(nil)); err != nil {
			return
		}
		if p.JobID != "" {
			for _, evt := range plane.EventsSince(p.JobID) {
				if err := uds.WriteFrame(conn, evt); err != nil {
					return
				}
			}
		}

		ch, unsubscribe := plane.Subscribe(fmt.Sprintf("stream-%s", req.Command))
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if p.JobID != "" && evt.JobID != p.JobID {
					continue
				}
				if err := uds.WriteFrame(conn, evt); err != nil {
					return
				}
			}
		}
	})

	return server
}

func dialClient(stateDir string) *uds.Client {
	cfg, err := loadRuntimeConfig(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	client := uds.NewClient(cfg.SocketPath)
	client.SetTimeout(10 * time.Second)
	return client
}

func sendAndPrint(client *uds.Client, command string, params any) {
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		code, msg := "", "unknown error"
		if resp.Error != nil {
			code, msg = resp.Error.Code, resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func runJobs(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator jobs <list|get|cancel|retry> [job_id]")
		os.Exit(1)
	}
	stateDir := requireStateDir()
	client := dialClient(stateDir)

	switch args[0] {
	case "list":
		sendAndPrint(client, "jobs.list", nil)
	case "get":
		requireJobID(args, "jobs get")
		sendAndPrint(client, "jobs.get", map[string]any{"job_id": args[1]})
	case "cancel":
		requireJobID(args, "jobs cancel")
		sendAndPrint(client, "jobs.cancel", map[string]any{"job_id": args[1]})
	case "retry":
		requireJobID(args, "jobs retry")
		sendAndPrint(client, "jobs.retry", map[string]any{"job_id": args[1]})
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func requireJobID(args []string, usage string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: orchestrator %s <job_id>\n", usage)
		os.Exit(1)
	}
}

func runRecipes(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator recipes <list|launch> [options]")
		os.Exit(1)
	}
	stateDir := requireStateDir()
	client := dialClient(stateDir)

	switch args[0] {
	case "list":
		sendAndPrint(client, "recipes.list", nil)
	case "launch":
		runRecipesLaunch(client, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown recipes subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runRecipesLaunch(client *uds.Client, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator recipes launch <recipe_id> [--input key=value]... [--idempotency-key <key>] [--timeout-ms <n>]")
		os.Exit(1)
	}
	recipeID := args[0]
	input := map[string]any{}
	var idempotencyKey string
	var timeoutMs int64

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--input":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--input requires key=value")
				os.Exit(1)
			}
			i++
			k, v, ok := splitKV(rest[i])
			if !ok {
				fmt.Fprintf(os.Stderr, "invalid --input %q, expected key=value\n", rest[i])
				os.Exit(1)
			}
			input[k] = v
		case "--idempotency-key":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--idempotency-key requires a value")
				os.Exit(1)
			}
			i++
			idempotencyKey = rest[i]
		case "--timeout-ms":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--timeout-ms requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.ParseInt(rest[i], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --timeout-ms value: %s\n", rest[i])
				os.Exit(1)
			}
			timeoutMs = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	params := map[string]any{
		"recipe_id": recipeID,
		"input":     input,
		"options": map[string]any{
			"IdempotencyKey": idempotencyKey,
			"TimeoutMs":      timeoutMs,
		},
	}
	sendAndPrint(client, "recipes.launch", params)
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func runPreferences(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator preferences <get|update>")
		os.Exit(1)
	}
	stateDir := requireStateDir()
	client := dialClient(stateDir)

	switch args[0] {
	case "get":
		sendAndPrint(client, "preferences.get", nil)
	case "update":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: orchestrator preferences update <json-patch>")
			os.Exit(1)
		}
		var patch model.Preferences
		if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
			fmt.Fprintf(os.Stderr, "invalid preferences patch: %v\n", err)
			os.Exit(1)
		}
		sendAndPrint(client, "preferences.update", patch)
	default:
		fmt.Fprintf(os.Stderr, "unknown preferences subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runDashboard(args []string) {
	stateDir := requireStateDir()
	client := dialClient(stateDir)

	watch := false
	for _, a := range args {
		if a == "--watch" {
			watch = true
		}
	}

	if !watch {
		sendAndPrint(client, "dashboard.snapshot", nil)
		return
	}

	fetch := func() ([]tui.Row, error) {
		resp, err := client.SendCommand("dashboard.snapshot", nil)
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, fmt.Errorf("%s", msg)
		}
		var jobs []control.DashboardJob
		if err := json.Unmarshal(resp.Data, &jobs); err != nil {
			return nil, err
		}
		rows := make([]tui.Row, 0, len(jobs))
		for _, j := range jobs {
			row := tui.Row{JobID: j.JobID, PresetID: j.PresetID, State: j.State}
			if j.ActiveStep != nil {
				row.ActiveStep = fmt.Sprintf("%s:%s (%s)", j.ActiveStep.Worker, j.ActiveStep.StepID, j.ActiveStep.State)
			}
			if j.ETAMs != nil {
				row.ETA = (time.Duration(*j.ETAMs) * time.Millisecond).String()
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	dashModel := tui.NewModel(fetch, 2*time.Second)
	if _, err := tea.NewProgram(dashModel).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `orchestrator %s — job orchestration for the resolve/media/platform worker trio

Usage: orchestrator <command> [options]

Setup & lifecycle:
  setup <dir>                  Initialize .orchestrator/ directory
  run [--state-dir <dir>]       Run the orchestrator daemon

Control surface (CLI -> daemon):
  jobs list
  jobs get <job_id>
  jobs cancel <job_id>
  jobs retry <job_id>
  recipes list
  recipes launch <recipe_id> [--input key=value]... [--idempotency-key <key>] [--timeout-ms <n>]
  dashboard [--watch]
  preferences get
  preferences update <json-patch>

  version                      Show version
  help                         Show this help

`, version)
}
