package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rahul/droidpilot/internal/agent"
	"github.com/rahul/droidpilot/internal/device"
	"github.com/rahul/droidpilot/internal/gateway"
	"github.com/rahul/droidpilot/internal/governance"
	"github.com/rahul/droidpilot/internal/llm"
	"github.com/rahul/droidpilot/internal/observability"
	"github.com/rahul/droidpilot/internal/recovery"
	"github.com/rahul/droidpilot/internal/store"
	"github.com/rahul/droidpilot/internal/workflow"
	"github.com/rahul/droidpilot/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	task := flag.String("task", "", "run one task and exit instead of serving chat gateways")
	promptsDir := flag.String("prompts", "./prompts", "directory of prompt overrides")
	flag.Parse()

	interactive := *task == ""
	if interactive {
		observability.PrintBanner()
		observability.InitializeTerminal()

		// Route all log output through the terminal mutex so it never
		// interrupts the dashboard's cursor save/restore sequence.
		log.SetOutput(observability.NewTermWriter())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	states, err := store.NewSQLiteStore(cfg.Memory.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer states.Close()

	model, err := newModel(cfg)
	if err != nil {
		log.Fatal(err)
	}

	router := gateway.NewRouter()
	channel := gateway.NewChannel(router, gateway.NewConversations())

	loop, strategy, closeDevice := newLoop(cfg, model, *promptsDir)
	defer closeDevice()
	loop.User = channel

	runLog := observability.NewRunLog(cfg.Logging.Path, int64(cfg.Logging.MaxSizeMB)*1024*1024, cfg.Logging.Echo)
	loop.Log = runLog

	templates, err := workflow.NewTemplateRegistry()
	if err != nil {
		log.Fatal(err)
	}
	if err :=templates.LoadDir(cfg.Workflow.TemplatesDir); err != nil {
		log.Printf("[Workflow] could not load templates from %s: %v", cfg.Workflow.TemplatesDir, err)
	}
	if err := templates.Watch(ctx, cfg.Workflow.TemplatesDir); err != nil {
		log.Printf("[Workflow] template hot reload disabled: %v", err)
	}

	runner := workflow.NewLoopRunner(loop)
	engine := workflow.NewEngine(runner, states, templates)
	engine.Options = cfg.EngineOptions()
	engine.Log = runLog
	engine.Confirmer = channel
	if strategy != nil {
		strategy.Checkpoints = states
		engine.Recovery = strategy
	}

	if !interactive {
		res := engine.Execute(ctx, *task, nil)
		fmt.Println(res.Summary())
		if res.Status != workflow.StatusSuccess {
			os.Exit(1)
		}
		return
	}

	service := gateway.NewService(engine, channel)
	service.Failed = states

	gateways := startGateways(stop, cfg, service, router)
	if len(gateways) == 0 {
		log.Fatal("No gateway is enabled: set DROIDPILOT_TELEGRAM_TOKEN or DROIDPILOT_DISCORD_TOKEN, or use -task")
	}

	scheduler := workflow.NewScheduler(engine, states, router)
	scheduler.Interval = cfg.Workflow.ResumeInterval
	scheduler.WithChat = gateway.WithChat
	go scheduler.Start(ctx)

	// Start Live Resource Dashboard (1-second updates)
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
			}
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	for _, g := range gateways {
		if err := g.Stop(); err != nil {
			log.Printf("[Gateway] stop: %v", err)
		}
	}
	service.Wait()

	// Reset terminal aesthetics
	observability.CleanupTerminal()

	// Give a short time for final logs/syncs
	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
}

func newModel(cfg *config.Config) (*llm.Client, error) {
	name, p := cfg.DefaultProvider()
	if name == "" {
		return nil, fmt.Errorf("no enabled provider with an API key: set DROIDPILOT_GEMINI_KEYS or DROIDPILOT_OPENAI_KEYS")
	}
	factory, err := llm.ProviderFactory(name, p.Model, p.BaseURL)
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(llm.NewKeyRing(p.Keys(), cfg.Model.KeyCooldown), factory)
	client.MaxAttempts = cfg.Model.MaxAttempts
	client.Backoff = cfg.Model.Backoff
	client.Temperature = cfg.Model.Temperature
	log.Printf("[Model] using %s (%s) with %d key(s)", name, p.Model, client.Keys.Len())
	return client, nil
}

// newLoop builds the control loop for the configured device. Recovery is
// only available on a real Android device.
func newLoop(cfg *config.Config, model agent.Model, promptsDir string) (*agent.ControlLoop, *recovery.Strategy, func()) {
	prompts := agent.NewPromptManager(promptsDir)

	var (
		loop     *agent.ControlLoop
		strategy *recovery.Strategy
		closer   = func() {}
	)
	switch cfg.Device.Type {
	case "browser":
		b := device.NewBrowser(cfg.Device.Headless)
		if cfg.Device.HomeURL != "" {
			b.HomeURL = cfg.Device.HomeURL
		}
		loop = agent.NewControlLoop(b, model, b, prompts)
		closer = b.Close
	default:
		adb := device.NewADB(device.CommandRunner{Binary: cfg.Device.ADBPath, Serial: cfg.Device.Serial})
		for name, pkg := range cfg.Device.Apps {
			adb.Apps[strings.ToLower(name)] = pkg
		}
		loop = agent.NewControlLoop(adb, model, adb, prompts)
		strategy = recovery.New(adb, adb)
		strategy.Network = adb
	}

	loop.Limits = cfg.LoopLimits()
	loop.AnnounceSubgoals = cfg.Loop.AnnounceSubgoals
	loop.Policy = newPolicy(cfg.Policy)
	return loop, strategy, closer
}

func newPolicy(pc config.PolicyConfig) governance.PolicyEngine {
	gov := governance.NewDefaultPolicyEngine()
	for _, a := range pc.DenyActions {
		gov.DenyAction(a)
	}
	for _, app := range pc.DenyApps {
		gov.DenyApp(app)
	}
	// Default safety rules: never type destructive shell commands.
	patterns := append([]string{`rm\s+-rf`, `\bmkfs\b`, `\breboot\b`}, pc.DenyPatterns...)
	for _, p := range patterns {
		if err := gov.DenyArguments(p); err != nil {
			log.Printf("[Policy] ignoring bad pattern %q: %v", p, err)
		}
	}
	return gov
}

func startGateways(stop context.CancelFunc, cfg *config.Config, h gateway.Handler, router *gateway.Router) []gateway.Messenger {
	var started []gateway.Messenger

	if tgCfg, ok := cfg.TelegramConfig(); ok {
		var allowed []int64
		for _, s := range tgCfg.Allowed {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				log.Printf("[Gateway] ignoring bad Telegram chat id %q", s)
				continue
			}
			allowed = append(allowed, id)
		}
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, h, allowed)
		if err != nil {
			log.Printf("[Gateway] Telegram disabled: %v", err)
		} else {
			router.Register("telegram", tg)
			started = append(started, tg)
		}
	}

	if dcCfg, ok := cfg.DiscordConfig(); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, h, dcCfg.Allowed)
		if err != nil {
			log.Printf("[Gateway] Discord disabled: %v", err)
		} else {
			router.Register("discord", dc)
			started = append(started, dc)
		}
	}

	for _, g := range started {
		// Start Gateway in a goroutine so we can wait for context in the main loop
		go func(g gateway.Messenger) {
			if err := g.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop() // stop caller if gateway dies
			}
		}(g)
	}
	return started
}
