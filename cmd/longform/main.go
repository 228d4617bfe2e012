// Package main is the entry point for the long-form orchestrator.
//
// Usage:
//
//	longform start                                 run the daemon (scheduler and HTTP API)
//	longform stop                                  stop the running daemon
//	longform create <goal>                         create a long-form task
//	longform swarm <goal> <items.json> <prompt>    create and start a swarm
//	longform status <task_id>                      print a task and its jobs
//	longform answer <task_id> <request_id> <text>  answer a clarification
//	longform pause|resume <task_id>                pause or resume a task
//	longform approve <sub_task_id>                 approve a pending sub-task
//	longform event <task_id> <name> [json]         deliver an external event
//	longform list [limit]                          list recent tasks
//	longform version                               print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/overhuman/longform/internal/api"
	"github.com/overhuman/longform/internal/brain"
	"github.com/overhuman/longform/internal/budget"
	"github.com/overhuman/longform/internal/config"
	"github.com/overhuman/longform/internal/daemon"
	"github.com/overhuman/longform/internal/executor"
	"github.com/overhuman/longform/internal/notify"
	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/oracle"
	"github.com/overhuman/longform/internal/orchestrator"
	"github.com/overhuman/longform/internal/scheduler"
	"github.com/overhuman/longform/internal/security"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/swarm"
	"github.com/overhuman/longform/internal/task"
)

const (
	version = "0.1.0"
	appName = "longform"
)

var errUsage = errors.New("usage")

// errNoLLM is returned by the offline provider used when no API key is set.
var errNoLLM = errors.New("no LLM configured (set OPENAI_API_KEY)")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	case "start":
		runDaemon()
		return
	case "stop":
		runStop()
		return
	}

	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	a, err := bootstrap(cfg, cmd == "approve")
	if err != nil {
		log.Fatalf("[%s] bootstrap: %v", cmd, err)
	}
	defer a.Close()

	if err := run(context.Background(), a, args, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			printUsage()
			os.Exit(2)
		}
		log.Fatalf("[%s] %v", cmd, err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s: long-running task orchestrator

Usage:
  %s <command> [args]

Commands:
  start                                 Run the daemon (job scheduler and HTTP API)
  stop                                  Stop the running daemon
  create <goal>                         Create a long-form task
  swarm <goal> <items.json> <prompt> [tools]
                                        Create a swarm over a JSON array of items
  status <task_id>                      Print a task and its scheduled jobs
  answer <task_id> <request_id|-> <text>
                                        Answer a clarification request
  pause <task_id>                       Pause a task
  resume <task_id>                      Resume a paused or suspended task
  approve <sub_task_id>                 Approve and run a pending sub-task
  event <task_id> <name> [json]         Deliver an external event
  list [limit]                          List your most recent tasks
  version                               Print version

Environment variables:
  OPENAI_API_KEY              LLM API key
  OPENAI_BASE_URL             OpenAI-compatible endpoint
  LONGFORM_MODEL              Model name (default: gpt-4o-mini)
  LONGFORM_DATA               Data directory (default: ~/.longform)
  LONGFORM_API_ADDR           Daemon API address, "off" to disable (default: 127.0.0.1:9090)
  LONGFORM_ENCRYPTION_KEY     Key for sensitive task fields (required)
  LONGFORM_OWNER              Owner id for CLI tasks (default: local)
  LONGFORM_AUTO_APPROVE       Run sub-tasks without approval (default: false)
  LONGFORM_WORKERS            Scheduler workers (default: 4)
  LONGFORM_DAILY_BUDGET_USD   Daily spend limit, 0 for none
  LONGFORM_CONNECTED_TOOLS    Comma-separated connected tools
  APP_ENV                     Loads .env.<APP_ENV> over .env (default: dev)

`, appName, version, appName)
}

// app holds the wired subsystems.
type app struct {
	cfg     config.Config
	log     *observability.Logger
	store   *storage.SQLiteStore
	sched   *scheduler.Scheduler
	engine  *orchestrator.Engine
	swarm   *swarm.Manager
	hub     *notify.Hub
	metrics *observability.MetricsCollector
	budget  *budget.Tracker
}

func (a *app) Close() error { return a.store.Close() }

// bootstrap wires every subsystem. Without an API key an offline provider is
// used, which is enough for commands that only record triggers; needLLM makes
// the key mandatory.
func bootstrap(cfg config.Config, needLLM bool) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logger := observability.NewLoggerLevel(appName, os.Stderr, observability.ParseLevel(cfg.LogLevel))

	enc, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryptor: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath, enc)
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	log.Printf("[bootstrap] task store: %s", cfg.DBPath)

	metrics := observability.NewMetricsCollector(10000)
	sched, err := scheduler.New(store.DB(), scheduler.Options{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.JobLease,
		MaxAttempts:  cfg.MaxAttempts,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	var llm brain.LLMProvider
	switch {
	case cfg.OpenAIKey != "":
		opts := []brain.OpenAIOption{
			brain.WithOpenAIDefaultModel(cfg.Model),
			brain.WithOpenAIHTTPClient(&http.Client{Timeout: 2 * cfg.OracleTimeout}),
		}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, brain.WithOpenAIBaseURL(cfg.OpenAIBaseURL))
		}
		llm = brain.NewOpenAIProvider(cfg.OpenAIKey, opts...)
		log.Printf("[bootstrap] LLM: OpenAI-compatible, model=%s key=%s", cfg.Model, security.MaskSecret(cfg.OpenAIKey, 4))
	case needLLM:
		store.Close()
		return nil, errNoLLM
	default:
		llm = brain.ProviderFunc(func(context.Context, brain.LLMRequest) (*brain.LLMResponse, error) {
			return nil, errNoLLM
		})
	}

	tools := executor.NewToolRegistry(cfg.ConnectedTools)
	tracker := budget.New(cfg.DailyBudgetUSD, cfg.MonthlyBudgetUSD)
	hub := notify.NewHub()
	notifier := notify.Multi{notify.NewLogNotifier(logger), hub}

	engine := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Scheduler: sched,
		Oracle: oracle.NewLLMOracle(llm,
			oracle.WithModel(cfg.Model),
			oracle.WithCapabilities(tools.Filter(tools.Names())),
			oracle.WithLogger(logger)),
		Judge: oracle.NewLLMJudge(llm, cfg.Model),
		Executor: executor.NewLLMExecutor(store, llm, tools,
			executor.WithModel(cfg.Model),
			executor.WithBudget(tracker),
			executor.WithLogger(logger)),
		Notifier:     notifier,
		Logger:       logger,
		Metrics:      metrics,
		Budget:       tracker,
		EventLimiter: security.NewRateLimiter(cfg.EventsPerMinute, time.Minute),
	}, orchestrator.Config{
		LogWindow:      cfg.LogWindow,
		MaxCycles:      cfg.MaxCycles,
		OracleTimeout:  cfg.OracleTimeout,
		SubtaskTimeout: cfg.SubtaskTimeout,
	})
	engine.Register(sched)

	sw := swarm.New(swarm.Deps{
		Store:       store,
		Queue:       sched,
		Worker:      swarm.NewLLMItemWorker(llm, tools, cfg.Model, tracker),
		Synthesizer: swarm.NewLLMSynthesizer(llm, cfg.Model),
		Notifier:    notifier,
		Logger:      logger,
		Metrics:     metrics,
	}, swarm.Config{ItemTimeout: cfg.ItemTimeout})
	sw.Register(sched)

	log.Printf("[bootstrap] all subsystems ready (workers=%d, tools=%d connected)",
		cfg.Workers, len(tools.Filter(tools.Names())))
	return &app{
		cfg:     cfg,
		log:     logger,
		store:   store,
		sched:   sched,
		engine:  engine,
		swarm:   sw,
		hub:     hub,
		metrics: metrics,
		budget:  tracker,
	}, nil
}

// runDaemon runs the scheduler and the HTTP API until SIGINT or SIGTERM,
// streaming the owner's notifications to stdout as JSON lines.
func runDaemon() {
	cfg := config.Load()
	lock := daemon.NewLock(cfg.DataDir)
	release, err := lock.Acquire()
	if err != nil {
		log.Fatalf("[daemon] %v", err)
	}
	defer release()

	a, err := bootstrap(cfg, true)
	if err != nil {
		release()
		log.Fatalf("[daemon] bootstrap: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.APIAddr != "off" {
		srv := api.NewServer(cfg.APIAddr, a.engine, a.log)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Printf("[daemon] API error: %v", err)
			}
		}()
	}

	notes, unsubscribe := a.hub.Subscribe(cfg.OwnerID)
	defer unsubscribe()
	go func() {
		for n := range notes {
			fmt.Println(notify.MarshalJSONLine(n))
		}
	}()

	// Metrics snapshot every 5 minutes.
	started := time.Now()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		last := started
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.logSnapshot(ctx, last)
				last = now
			}
		}
	}()

	log.Printf("[daemon] %s v%s started (owner=%s, pid file=%s)", appName, version, cfg.OwnerID, lock.Path())
	if err := a.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[daemon] scheduler stopped: %v", err)
	}
	log.Printf("[daemon] shutting down...")
	a.logSnapshot(context.Background(), started)
	log.Printf("[daemon] budget: %s", a.budget.BudgetStatus())
	log.Printf("[daemon] shutdown complete")
}

// runStop signals the daemon that holds the data directory's lock.
func runStop() {
	cfg := config.Load()
	pid, err := daemon.NewLock(cfg.DataDir).Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sent SIGTERM to daemon (pid=%d)\n", pid)
}

// logSnapshot reports counters and the metric windows recorded since the
// previous snapshot.
func (a *app) logSnapshot(ctx context.Context, since time.Time) {
	counts, err := a.sched.Counts(ctx)
	if err != nil {
		a.log.Warn("job counts unavailable", "error", err)
	}
	a.log.Info("snapshot",
		"counters", a.metrics.Snapshot(),
		"jobs", counts,
		"store_conflicts", a.store.Conflicts(),
		"cycle_ms", a.metrics.Summarize(observability.MetricCycleLen, since, nil),
		"llm_latency_ms", a.metrics.Summarize(observability.MetricLatency, since, nil),
		"cost", a.metrics.Summarize(observability.MetricCost, since, nil),
		"spend", a.budget.Spend(),
	)
}

type command func(ctx context.Context, a *app, args []string, w io.Writer) error

var commands = map[string]command{
	"create":  cmdCreate,
	"swarm":   cmdSwarm,
	"status":  cmdStatus,
	"answer":  cmdAnswer,
	"pause":   cmdPause,
	"resume":  cmdResume,
	"approve": cmdApprove,
	"event":   cmdEvent,
	"list":    cmdList,
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("%w: %s %s", errUsage, appName, usage)
	}
	return nil
}

// cmdList prints the owner's most recent tasks, one per line.
func cmdList(ctx context.Context, a *app, args []string, w io.Writer) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %s list [limit]", errUsage, appName)
		}
		limit = n
	}
	tasks, err := a.store.ListByOwner(ctx, a.cfg.OwnerID, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tTYPE\tSTATUS\tUPDATED\tNAME")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.TaskID, t.TaskType, t.Status, t.UpdatedAt.Local().Format(time.DateTime), t.Name)
	}
	return tw.Flush()
}

func cmdCreate(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 1, "create <goal>"); err != nil {
		return err
	}
	t, err := a.engine.CreateLongForm(ctx, a.cfg.OwnerID, strings.Join(args, " "), a.cfg.AutoApprove)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, t.TaskID)
	return nil
}

func cmdSwarm(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 3, "swarm <goal> <items.json> <prompt> [tools]"); err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read items: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("items must be a JSON array: %w", err)
	}
	group := task.WorkerGroup{WorkerPrompt: args[2]}
	for i := range items {
		group.ItemIndices = append(group.ItemIndices, i)
	}
	if len(args) > 3 {
		for _, name := range strings.Split(args[3], ",") {
			if name = strings.TrimSpace(name); name != "" {
				group.RequiredTools = append(group.RequiredTools, name)
			}
		}
	}

	t, err := a.swarm.Create(ctx, a.cfg.OwnerID, args[0], items, []task.WorkerGroup{group})
	if err != nil {
		return err
	}
	if err := a.swarm.Start(ctx, t.TaskID); err != nil {
		return err
	}
	fmt.Fprintln(w, t.TaskID)
	return nil
}

// statusView is what `status` prints.
type statusView struct {
	Task *task.Task      `json:"task"`
	Jobs []scheduler.Job `json:"jobs"`
}

func cmdStatus(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 1, "status <task_id>"); err != nil {
		return err
	}
	t, err := a.engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	jobs, err := a.sched.Jobs(ctx, t.TaskID, "")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusView{Task: t, Jobs: jobs})
}

func cmdAnswer(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 3, "answer <task_id> <request_id|-> <text>"); err != nil {
		return err
	}
	requestID := args[1]
	if requestID == "-" {
		requestID = ""
	}
	if err := a.engine.AnswerClarification(ctx, args[0], requestID, strings.Join(args[2:], " ")); err != nil {
		return err
	}
	fmt.Fprintln(w, "answered")
	return nil
}

func cmdPause(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 1, "pause <task_id>"); err != nil {
		return err
	}
	if err := a.engine.Pause(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(w, "paused")
	return nil
}

func cmdResume(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 1, "resume <task_id>"); err != nil {
		return err
	}
	if err := a.engine.Resume(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(w, "resumed")
	return nil
}

func cmdApprove(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 1, "approve <sub_task_id>"); err != nil {
		return err
	}
	if err := a.engine.ApproveSubtask(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(w, "approved")
	return nil
}

func cmdEvent(ctx context.Context, a *app, args []string, w io.Writer) error {
	if err := needArgs(args, 2, "event <task_id> <name> [json]"); err != nil {
		return err
	}
	var payload json.RawMessage
	if len(args) > 2 {
		payload = json.RawMessage(args[2])
	}
	if err := a.engine.ExternalEvent(ctx, args[0], args[1], payload); err != nil {
		return err
	}
	fmt.Fprintln(w, "delivered")
	return nil
}
