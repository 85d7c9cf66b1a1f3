/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cortexos/cortexos/internal/a2a"
	"github.com/cortexos/cortexos/internal/artifacts"
	"github.com/cortexos/cortexos/internal/cadp"
	"github.com/cortexos/cortexos/internal/config"
	"github.com/cortexos/cortexos/internal/finops"
	"github.com/cortexos/cortexos/internal/knowledge"
	"github.com/cortexos/cortexos/internal/mmu"
	"github.com/cortexos/cortexos/internal/pool"
	"github.com/cortexos/cortexos/internal/pricing"
	"github.com/cortexos/cortexos/internal/router"
	"github.com/cortexos/cortexos/internal/snapshot"
	"github.com/cortexos/cortexos/internal/vectorstore"
	"github.com/cortexos/cortexos/internal/version"
	"github.com/cortexos/cortexos/internal/worker"
)

// selfRecordTTL is the lease, in seconds, on the record this node publishes
// for itself. The cron refresher re-registers at half this interval.
const selfRecordTTL = 600

// responseFloorTokens pads routing estimates with an expected answer size so
// short prompts do not all route as trivially cheap.
const responseFloorTokens = 512

var (
	serveConfigPath  string
	serveDataDir     string
	serveBudget      float64
	serveMetricsAddr string
	servePeers       []string
	serveDev         bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CortexOS kernel daemon",
	Long: `Serve starts the orchestration kernel in the foreground: the A2A task
gateway, the agent pool, the memory manager, the FinOps engine, and the
CADP federation endpoint, all wired into one process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "cortexd.yaml", "Path to the cortexd configuration file")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Directory for long-term memory snapshots (empty disables persistence)")
	serveCmd.Flags().Float64Var(&serveBudget, "budget", 0, "Hard spend limit in USD for this run (0 = unlimited)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address (empty disables)")
	serveCmd.Flags().StringArrayVar(&servePeers, "peer", nil, "Federation peer URL to join at startup (repeatable)")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Human-readable development logging")
	rootCmd.AddCommand(serveCmd)
}

// kernel owns every long-lived component of a running daemon and the bridge
// between them: A2A tasks route through the model router, execute on the
// pool, and settle into the FinOps ledger and memory.
type kernel struct {
	cfg       config.Config
	log       logr.Logger
	catalog   *pricing.Catalog
	router    *router.Router
	gate      *router.Gate // nil when the run is unconstrained
	finops    *finops.Engine
	memory    *mmu.Manager
	knowledge *knowledge.Base // nil without a configured provider
	pool      *pool.Pool
	gateway   *a2a.Server
	fed       *cadp.Federation
	snap      *snapshot.Store // nil without --data-dir
	cron      *cron.Cron
	selfRec   cadp.AgentDNSRecord
}

func runServe(_ *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	zl, err := newZap(serveDev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	log := zapr.NewLogger(zl).WithName("cortexd")

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	cfg = config.FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("starting cortexd", "version", version.Version, "config", serveConfigPath)

	k, err := buildKernel(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, peerURL := range servePeers {
		if _, err := k.fed.AddPeer(ctx, peerURL, cadp.TrustPartial); err != nil {
			log.Error(err, "add federation peer", "url", peerURL)
		}
	}
	k.fed.StartSync()
	k.cron.Start()

	gatewaySrv := &http.Server{
		Addr:         cfg.Gateway.Addr(),
		Handler:      k.gateway.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // disabled for SSE streaming
		IdleTimeout:  120 * time.Second,
	}
	fedSrv := &http.Server{
		Addr:         cfg.Federation.Addr(),
		Handler:      k.fed.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	var metricsSrv *http.Server
	if serveMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:         serveMetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	errCh := make(chan error, 3)
	serve := func(name string, srv *http.Server) {
		log.Info("listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("a2a", gatewaySrv)
	go serve("cadp", fedSrv)
	if metricsSrv != nil {
		go serve("metrics", metricsSrv)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error(err, "server failed")
	}

	return k.shutdown(gatewaySrv, fedSrv, metricsSrv)
}

func newZap(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildKernel constructs and wires every component from the loaded config.
// Nothing is listening yet when it returns.
func buildKernel(cfg config.Config, log logr.Logger) (*kernel, error) {
	k := &kernel{cfg: cfg, log: log, catalog: pricing.Default()}

	k.router = router.New(k.catalog, router.Config{
		Provider:    cfg.Router.Provider,
		PreferCheap: cfg.Router.PreferCheap,
	}, log)
	if serveBudget > 0 {
		k.gate = router.NewGate(serveBudget)
	}

	k.finops = finops.New(finops.Config{
		Disabled:              !cfg.FinOps.Enabled,
		MaxRecords:            cfg.FinOps.MaxRecords,
		DisableForecast:       !cfg.FinOps.ForecastEnabled,
		DisableRightsizing:    !cfg.FinOps.RightsizingEnabled,
		DefaultAlertThreshold: cfg.FinOps.DefaultBudgetAlertThreshold,
	}, k.catalog, finops.WithLogger(log))

	k.memory = mmu.New(mmu.Config{
		STMCapacity:           cfg.Memory.STMCapacity,
		LTMCapacity:           cfg.Memory.LTMCapacity,
		QLearningRate:         cfg.Memory.QLearningRate,
		QDiscountFactor:       cfg.Memory.QDiscountFactor,
		AutoCompressThreshold: cfg.Memory.AutoCompressThreshold,
		PromotionQThreshold:   cfg.Memory.PromotionQThreshold,
		DisableSemanticIndex:  !cfg.Memory.EnableSemanticIndex,
	}, mmu.WithLogger(log))

	if cfg.Knowledge.Enabled() {
		store, err := vectorstore.New(cfg.Knowledge.Provider, cfg.Knowledge.Endpoint,
			vectorstore.WithCollection(cfg.Knowledge.Collection),
			vectorstore.WithEmbeddingDimension(cfg.Knowledge.EmbeddingDim))
		if err != nil {
			return nil, fmt.Errorf("build vector store: %w", err)
		}
		k.knowledge = knowledge.New(store,
			knowledge.WithDimension(cfg.Knowledge.EmbeddingDim),
			knowledge.WithTopK(cfg.Knowledge.TopK),
			knowledge.WithLogger(log))
	}

	if serveDataDir != "" {
		snap, err := snapshot.Open(filepath.Join(serveDataDir, "ltm"), snapshot.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		k.snap = snap
		entries, err := snap.LoadLTM()
		if err != nil {
			return nil, fmt.Errorf("load memory snapshot: %w", err)
		}
		if n := k.memory.ImportLTM(entries); n > 0 {
			log.Info("restored long-term memory", "entries", n)
		}
	}

	registry := pool.NewEnvironmentRegistry()
	for _, e := range cfg.Environments {
		env := pool.Environment{
			ID:        e.ID,
			Name:      e.Name,
			Image:     e.Image,
			Command:   e.Command,
			Env:       e.Env,
			TimeoutMs: e.TimeoutMs,
		}
		if err := registry.Register(env); err != nil {
			return nil, fmt.Errorf("register environment %q: %w", e.ID, err)
		}
	}
	if _, err := registry.Resolve(cfg.Pool.DefaultEnvironment); err != nil {
		_ = registry.Register(pool.Environment{ID: cfg.Pool.DefaultEnvironment, Name: "built-in echo"})
	}

	var wrk pool.Worker = worker.NewEchoWorker()
	if lo.SomeBy(cfg.Environments, func(e config.EnvironmentConfig) bool { return len(e.Command) > 0 }) {
		wrk = worker.NewProcWorker(worker.WithLogger(log))
	}

	k.pool = pool.New(pool.Config{
		MaxContainers:      cfg.Pool.MaxContainers,
		DefaultEnvironment: cfg.Pool.DefaultEnvironment,
		ContainerTimeout:   cfg.Pool.ContainerTimeout(),
	}, wrk, registry, pool.WithLogger(log))

	k.gateway = a2a.New(a2a.Config{
		Port:               cfg.Gateway.Port,
		Hostname:           cfg.Gateway.Hostname,
		MaxConcurrentTasks: cfg.Gateway.MaxConcurrentTasks,
		TaskTimeout:        cfg.Gateway.TaskTimeout(),
		RatePerMinute:      cfg.Gateway.RatePerMinute,
	}, a2a.WithHandler(k.handleTask), a2a.WithLogger(log), a2a.WithAgentCard(k.agentCard()))

	k.fed = cadp.New(cadp.Config{
		PeerID:              cfg.Federation.PeerID,
		PeerName:            cfg.Federation.PeerName,
		ListenPort:          cfg.Federation.ListenPort,
		SyncInterval:        cfg.Federation.SyncInterval(),
		MaxPeers:            cfg.Federation.MaxPeers,
		DisableSharing:      !cfg.Federation.ShareCapabilities,
		DisableRemoteAgents: !cfg.Federation.AcceptRemoteAgent,
	}, nil, cadp.WithLogger(log))

	k.selfRec = cadp.AgentDNSRecord{
		AgentID:      k.fed.PeerID(),
		Domain:       "cortex.local",
		Endpoints:    []string{"http://" + cfg.Gateway.Addr() + "/a2a"},
		Capabilities: k.capabilities(),
		TTL:          selfRecordTTL,
		Priority:     10,
		Metadata:     map[string]string{"version": version.Version},
	}
	if _, err := k.fed.Registry().Register(k.selfRec); err != nil {
		return nil, fmt.Errorf("register self record: %w", err)
	}

	k.cron = cron.New()
	if cfg.FinOps.Enabled && cfg.FinOps.ReportInterval() > 0 {
		window := cfg.FinOps.ReportInterval()
		if _, err := k.cron.AddFunc("@every "+window.String(), func() { k.logReport(window) }); err != nil {
			return nil, fmt.Errorf("schedule report job: %w", err)
		}
	}
	refreshEvery := time.Duration(selfRecordTTL) * time.Second / 2
	if _, err := k.cron.AddFunc("@every "+refreshEvery.String(), k.refreshSelfRecord); err != nil {
		return nil, fmt.Errorf("schedule lease refresh: %w", err)
	}

	return k, nil
}

// handleTask bridges the gateway to the kernel: pick a model, clear the
// budget gate, run the prompt on the pool, then account the spend and
// remember the outcome.
func (k *kernel) handleTask(ctx context.Context, task a2a.Task) (a2a.Task, error) {
	prompt := lastUserText(task)
	if strings.TrimSpace(prompt) == "" {
		return task, errors.New("task carries no text to execute")
	}

	decision, err := k.router.Route(router.Request{
		Role:            task.Metadata["role"],
		Complexity:      metadataFloat(task.Metadata, "complexity"),
		EstimatedTokens: estimateTokens(prompt) + responseFloorTokens,
		RemainingBudget: k.remainingBudget(),
	})
	if err != nil {
		return task, err
	}
	if k.gate != nil {
		if err := k.gate.CheckEstimate(decision.EstimatedCost); err != nil {
			return task, err
		}
	}

	inputs := map[string]string{"model": decision.Model.Name, "a2aTask": task.ID}
	if k.knowledge != nil {
		if prior := k.priorWork(ctx, prompt, task.Metadata["role"]); prior != "" {
			inputs["context"] = prior
		}
	}

	done := make(chan pool.Task, 1)
	submitted, err := k.pool.Submit(pool.SubmitSpec{
		Prompt:      prompt,
		Role:        task.Metadata["role"],
		Environment: task.Metadata["environment"],
		Inputs:      inputs,
		OnEvent: func(ev pool.Event) {
			if ev.Task.Status.Terminal() {
				select {
				case done <- ev.Task:
				default:
				}
			}
		},
	})
	if err != nil {
		return task, err
	}

	var final pool.Task
	select {
	case <-ctx.Done():
		k.pool.Cancel(submitted.ID)
		return task, ctx.Err()
	case final = <-done:
	}

	k.settle(task, final, decision)

	switch final.Status {
	case pool.StatusCompleted:
		output := ""
		if final.Result != nil {
			output = final.Result.Output
		}
		task.Status = a2a.StatusCompleted
		task.Output = &a2a.Message{Role: "agent", Parts: []a2a.Part{a2a.TextPart(output)}}
		for i, f := range artifacts.Extract(output) {
			task.Artifacts = append(task.Artifacts, a2a.Artifact{
				ID:    fmt.Sprintf("%s-art-%d", task.ID, i+1),
				Name:  f.Name,
				Parts: []a2a.Part{a2a.TextPart(f.Content)},
			})
		}
		if task.Metadata == nil {
			task.Metadata = make(map[string]string)
		}
		task.Metadata["model"] = decision.Model.Name
		task.Metadata["poolTask"] = submitted.ID
		return task, nil
	case pool.StatusCancelled:
		task.Status = a2a.StatusCanceled
		return task, nil
	default:
		if final.Error != "" {
			return task, errors.New(final.Error)
		}
		return task, errors.New("execution failed")
	}
}

// settle charges the run against the ledger and the gate and stores a short
// outcome summary for future context assembly. Token counts are estimated at
// four bytes per token.
func (k *kernel) settle(task a2a.Task, final pool.Task, decision router.Decision) {
	inTokens := estimateTokens(final.Prompt)
	outTokens := int64(0)
	if final.Result != nil {
		outTokens = estimateTokens(final.Result.Output)
	}
	cost := float64(inTokens)/1_000_000*decision.Model.InputPerMTok +
		float64(outTokens)/1_000_000*decision.Model.OutputPerMTok

	agentID := task.Metadata["agent"]
	if agentID == "" {
		agentID = "cortexd"
	}
	_, err := k.finops.RecordConsumption(finops.ConsumptionRecord{
		AgentID:      agentID,
		TaskID:       task.ID,
		Model:        decision.Model.Name,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         cost,
		Tags:         map[string]string{"role": task.Metadata["role"]},
	})
	if err != nil && !errors.Is(err, finops.ErrEngineDisabled) {
		k.log.Error(err, "record consumption", "task", task.ID)
	}
	if k.gate != nil {
		if err := k.gate.Spend(cost); err != nil {
			k.log.Info("budget exhausted", "spent", k.gate.Spent(), "limit", k.gate.Limit())
		}
	}

	if _, err := k.memory.Store("task:"+task.ID, taskSummary(final), mmu.StoreOptions{
		Tags: []string{"task", string(final.Status)},
	}); err != nil {
		k.log.V(1).Info("store task outcome failed", "task", task.ID, "error", err.Error())
	}

	if k.knowledge != nil && final.Status == pool.StatusCompleted && final.Result != nil {
		kctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := k.knowledge.Record(kctx, knowledge.Entry{
			TaskID: task.ID,
			Role:   task.Metadata["role"],
			Model:  decision.Model.Name,
			Prompt: final.Prompt,
			Output: final.Result.Output,
		})
		if err != nil {
			k.log.V(1).Info("record knowledge failed", "task", task.ID, "error", err.Error())
		}
	}
}

// priorWork looks up related completed tasks to hand the worker as context.
// Lookups are best-effort: a slow or missing store never delays the task.
func (k *kernel) priorWork(ctx context.Context, prompt, role string) string {
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	hits, err := k.knowledge.Search(sctx, prompt, role)
	if err != nil {
		k.log.V(1).Info("knowledge search failed", "error", err.Error())
		return ""
	}
	return knowledge.FormatContext(hits)
}

// shutdown drains in dependency order: stop accepting HTTP work, close the
// gateway, stop the pool, halt federation sync and cron, then snapshot LTM.
func (k *kernel) shutdown(servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
	}
	k.gateway.Close()
	if err := k.pool.Shutdown(ctx); err != nil {
		k.log.Error(err, "pool shutdown")
	}
	k.fed.StopSync()
	<-k.cron.Stop().Done()

	if k.snap != nil {
		entries := k.memory.ExportLTM()
		if err := k.snap.SaveLTM(entries); err != nil {
			k.log.Error(err, "save memory snapshot")
		} else {
			k.log.Info("saved long-term memory", "entries", len(entries))
		}
		if err := k.snap.Close(); err != nil {
			k.log.Error(err, "close snapshot store")
		}
	}
	k.log.Info("shutdown complete")
	return nil
}

func (k *kernel) agentCard() a2a.AgentCard {
	card := a2a.AgentCard{
		Name:        "cortexos",
		Description: "CortexOS orchestration kernel",
		URL:         "http://" + k.cfg.Gateway.Addr(),
		Version:     version.Version,
		Capabilities: map[string]bool{
			"streaming":         true,
			"pushNotifications": true,
		},
		Skills: []a2a.AgentSkill{{
			ID:          "execute",
			Name:        "Execute prompt",
			Description: "Run a prompt in a pooled execution environment",
			Tags:        []string{"orchestration"},
		}},
	}
	for _, e := range k.cfg.Environments {
		name := e.Name
		if name == "" {
			name = e.ID
		}
		card.Skills = append(card.Skills, a2a.AgentSkill{ID: e.ID, Name: name, Tags: []string{"environment"}})
	}
	return card
}

func (k *kernel) capabilities() []string {
	caps := []string{"a2a", "orchestration"}
	for _, e := range k.cfg.Environments {
		caps = append(caps, e.ID)
	}
	return caps
}

func (k *kernel) remainingBudget() float64 {
	if k.gate == nil {
		return -1
	}
	return k.gate.Remaining()
}

func (k *kernel) refreshSelfRecord() {
	if _, err := k.fed.Registry().Register(k.selfRec); err != nil {
		k.log.Error(err, "refresh self record")
	}
}

func (k *kernel) logReport(window time.Duration) {
	end := time.Now()
	report := k.finops.GenerateReport(end.Add(-window), end)
	k.log.Info("consumption report",
		"window", window.String(),
		"records", report.Records,
		"totalCost", report.TotalCost,
		"totalTokens", report.TotalTokens,
		"agents", len(report.ByAgent),
		"recommendations", len(report.Recommendations))
}

// lastUserText returns the newest user turn, falling back to the task input.
func lastUserText(task a2a.Task) string {
	for i := len(task.History) - 1; i >= 0; i-- {
		if task.History[i].Role == "user" {
			return task.History[i].Text()
		}
	}
	if task.Input != nil {
		return task.Input.Text()
	}
	return ""
}

func taskSummary(final pool.Task) string {
	out := ""
	if final.Result != nil {
		out = final.Result.Output
	}
	if out == "" {
		out = final.Error
	}
	if len(out) > 240 {
		out = out[:240]
	}
	return fmt.Sprintf("[%s] %s", final.Status, out)
}

// estimateTokens approximates a token count at four bytes of text each.
func estimateTokens(text string) int64 {
	return int64(len(text)/4) + 1
}

func metadataFloat(m map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(m[key], 64)
	if err != nil {
		return 0
	}
	return v
}
