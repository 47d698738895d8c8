// Command symb is a headless coding-agent CLI: it wires the provider
// registry, the built-in tool set, and the turn engine together around a
// plain stdin read-eval-print loop. There is no TUI here; approvals and
// tool activity print straight to the terminal as the turn engine emits
// them.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sacenox/symb-engine/internal/agenttools"
	"github.com/sacenox/symb-engine/internal/approval"
	"github.com/sacenox/symb-engine/internal/compaction"
	"github.com/sacenox/symb-engine/internal/config"
	"github.com/sacenox/symb-engine/internal/fileledger"
	"github.com/sacenox/symb-engine/internal/handles"
	"github.com/sacenox/symb-engine/internal/history"
	"github.com/sacenox/symb-engine/internal/jobs"
	"github.com/sacenox/symb-engine/internal/llm"
	"github.com/sacenox/symb-engine/internal/lsp"
	"github.com/sacenox/symb-engine/internal/mcp"
	"github.com/sacenox/symb-engine/internal/permission"
	"github.com/sacenox/symb-engine/internal/provider"
	"github.com/sacenox/symb-engine/internal/sessionstore"
	"github.com/sacenox/symb-engine/internal/shell"
	"github.com/sacenox/symb-engine/internal/snapshot"
	"github.com/sacenox/symb-engine/internal/store"
	"github.com/sacenox/symb-engine/internal/tools"
	"github.com/sacenox/symb-engine/internal/treesitter"
	"github.com/sacenox/symb-engine/internal/turn"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flagMode := flag.String("mode", "", "agent mode: plan or build (overrides config)")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Error preparing data directory: %v\n", err)
		os.Exit(1)
	}

	sessions, err := sessionstore.Open(dataDir)
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}

	if *flagList {
		printSessions(sessions)
		return
	}

	registry := buildProviderRegistry(cfg, creds)
	providerName, providerCfg := resolveProvider(cfg, registry)
	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{Temperature: providerCfg.Temperature})
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}
	defer prov.Close()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}

	webCache := openWebCache(cfg)
	if webCache != nil {
		defer webCache.Close()
	}

	lspManager := lsp.NewManager()
	defer lspManager.StopAll(context.Background())

	tsIndex := treesitter.NewIndex(cwd)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}

	ledger := fileledger.New()
	snapshots := snapshot.New()
	handleTable := handles.NewTable()
	jobTable := jobs.NewTable()
	if webCache != nil {
		if err := jobTable.SetAuditDB(webCache.DB()); err != nil {
			log.Warn().Err(err).Msg("background job audit trail disabled")
		}
	}
	sh := shell.New(cwd, shell.DefaultBlockFuncs())
	scratchpad := &agenttools.Scratchpad{}

	toolRegistry := tools.NewRegistry()
	registerBuiltinTools(toolRegistry, builtinToolDeps{
		ledger:             ledger,
		snapshots:          snapshots,
		handles:            handleTable,
		lspManager:         lspManager,
		tsIndex:            tsIndex,
		shell:              sh,
		jobs:               jobTable,
		scratchpad:         scratchpad,
		webCache:           webCache,
		exaAPIKey:          creds.GetAPIKey("exa_ai"),
		bashTTL:            time.Duration(cfg.Tools.Bash.BackgroundTTLMs) * time.Millisecond,
		bashCapture:        time.Duration(cfg.Tools.Bash.BackgroundCaptureMs) * time.Millisecond,
		bashCaptureLines:   cfg.Tools.Bash.BackgroundCaptureLines,
		bashDefaultTimeout: time.Duration(cfg.Tools.WorkspaceShell.TimeoutMs) * time.Millisecond,
		httpTimeout:        time.Duration(cfg.Tools.HTTP.TimeoutMs) * time.Millisecond,
		readMaxLines:       cfg.Tools.Read.MaxLines,
	})

	if cfg.MCP.Upstream != "" {
		registerUpstreamMCP(toolRegistry, cfg.MCP.Upstream)
	}

	mode := permission.Mode(cfg.Mode)
	if *flagMode != "" {
		mode = permission.Mode(*flagMode)
	}
	if mode != permission.ModePlan && mode != permission.ModeBuild {
		mode = permission.ModeBuild
	}

	approvals := approval.NewBroker()
	if cfg.AutoApprove {
		for _, def := range toolRegistry.GetTools(nil) {
			approvals.PreApprove(def.Name)
		}
	}

	policy := compaction.DefaultPolicy()
	policy.AutoCompact = cfg.Compaction.Auto
	policy.AutoPrune = cfg.Compaction.Prune
	if cfg.Compaction.PruneProtectTokens > 0 {
		policy.PruneProtectTokens = cfg.Compaction.PruneProtectTokens
	}
	if cfg.Compaction.PruneMinimumTokens > 0 {
		policy.PruneMinimumTokens = cfg.Compaction.PruneMinimumTokens
	}
	if limit, ok := cfg.ModelLimits[providerCfg.Model]; ok && limit.Context > 0 {
		policy.ContextLimit = limit.Context
	}

	systemPrompt := llm.BuildSystemPrompt(providerCfg.Model, tsIndex)

	engine := &turn.Engine{
		Provider:           prov,
		Tools:              toolRegistry,
		Permissions:        permission.NewRuleset(),
		Approvals:          approvals,
		Snapshots:          snapshots,
		Policy:             policy,
		WorkspaceRoot:      cwd,
		Mode:               mode,
		AllowExternalPaths: cfg.Security.AllowExternalPaths,
		BlockGitPush:       cfg.Security.BlockGitPush,
		ToolFilter:         cfg.ToolFilter,
		SystemPrompt:       systemPrompt,
		MaxToolRounds:      turn.DefaultMaxToolRounds,
		MaxRetries:         cfg.LLM.MaxRetries,
		LLMTimeout:         time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
	}
	registerSubAgent(toolRegistry, engine, cfg, prov)

	sessionID, h, title := resolveSession(*flagSession, *flagContinue, sessions)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go runApprovalPrompt(approvals)

	engine.OnEvent = func(ev turn.Event) {
		switch ev.Kind {
		case turn.EventText:
			fmt.Print(ev.Text)
		case turn.EventToolStart:
			fmt.Printf("\n[tool] %s...\n", ev.ToolName)
		case turn.EventApprovalAsked:
			fmt.Printf("\n[approval requested] %s — see prompt below\n", ev.ToolName)
		case turn.EventRetry:
			fmt.Printf("\n[retrying after error: %v]\n", ev.Err)
		case turn.EventCompacted:
			fmt.Println("\n[history compacted]")
		}
	}

	fmt.Printf("symb session %s (mode=%s, model=%s)\n", sessionID, mode, providerCfg.Model)
	runREPL(ctx, engine, sessions, h, sessionID, title, string(mode), providerCfg.Model, jobTable, cfg.Sessions)
}

func runREPL(ctx context.Context, engine *turn.Engine, sessions *sessionstore.Store, h *history.History, sessionID, title, mode, model string, jobTable *jobs.Table, sessCfg config.SessionsConfig) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var turnID int64
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			break
		}
		_ = sessions.AppendInputHistory(line)

		turnID++
		if title == "" {
			title = firstWords(line, 8)
		}

		if _, err := engine.Run(ctx, h, sessionID, turnID, line); err != nil {
			fmt.Printf("\n[error] %v\n", err)
		}
		fmt.Println()

		if !sessCfg.Persist {
			continue
		}
		if err := sessions.SaveTurn(sessionID, title, mode, model, h, engine.Snapshots, jobTable); err != nil {
			log.Warn().Err(err).Msg("failed to persist session")
			continue
		}
		if err := sessions.Prune(sessCfg.MaxSessions, sessCfg.MaxSessionBytes); err != nil {
			log.Warn().Err(err).Msg("session prune failed")
		}
	}
}

// runApprovalPrompt drains the approval broker's request channel for the
// life of the process, reading a y/n answer from stdin for each pending
// tool call.
func runApprovalPrompt(b *approval.Broker) {
	reader := bufio.NewReader(os.Stdin)
	for req := range b.Requests() {
		fmt.Printf("\n[approve?] %s %s (y/n): ", req.ToolName, req.ArgsPreview)
		line, _ := reader.ReadString('\n')
		outcome := approval.Rejected
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
			outcome = approval.Approved
		}
		_ = b.Decide(req.CallID, outcome)
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func loadConfig() (*config.Config, error) {
	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	return config.Load(configPath)
}

func buildProviderRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, pcfg := range cfg.Providers {
		apiKey := creds.GetAPIKey(name)
		switch {
		case strings.Contains(name, "zen") || strings.Contains(name, "opencode"):
			registry.RegisterFactory(name, provider.NewZenFactory(name, apiKey, pcfg.Endpoint))
		case apiKey != "":
			registry.RegisterFactory(name, vllmFactory{name: name, endpoint: pcfg.Endpoint, apiKey: apiKey})
		default:
			registry.RegisterFactory(name, provider.NewOllamaFactory(name, pcfg.Endpoint))
		}
	}
	if len(cfg.Providers) == 0 {
		registry.RegisterFactory("mock", provider.NewMockFactory("mock", "no providers configured"))
	}
	return registry
}

// vllmFactory adapts provider.NewVLLMWithTemp to the provider.Factory
// interface the same way OllamaFactory wraps NewOllamaWithTemp.
type vllmFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func (f vllmFactory) Name() string { return f.name }

func (f vllmFactory) Create(model string, opts provider.Options) provider.Provider {
	return provider.NewVLLMWithTemp(f.name, f.endpoint, model, f.apiKey, opts)
}

func resolveProvider(cfg *config.Config, registry *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		names := registry.List()
		if len(names) == 0 {
			fmt.Println("Error: no providers configured")
			os.Exit(1)
		}
		name = names[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		pcfg = config.ProviderConfig{Model: cfg.Model, Temperature: cfg.Temperature}
	}
	if pcfg.Model == "" {
		pcfg.Model = cfg.Model
	}
	return name, pcfg
}

type builtinToolDeps struct {
	ledger      *fileledger.Ledger
	snapshots   *snapshot.Ledger
	handles     *handles.Table
	lspManager  *lsp.Manager
	tsIndex     *treesitter.Index
	shell       *shell.Shell
	jobs        *jobs.Table
	scratchpad  *agenttools.Scratchpad
	webCache    *store.Cache
	exaAPIKey          string
	bashTTL            time.Duration
	bashCapture        time.Duration
	bashCaptureLines   int
	bashDefaultTimeout time.Duration
	httpTimeout        time.Duration
	readMaxLines       int
}

func registerBuiltinTools(r *tools.Registry, d builtinToolDeps) {
	register := func(def tools.Definition, h tools.Handler) {
		if err := r.RegisterTool(def, h); err != nil {
			log.Warn().Err(err).Str("tool", def.ID).Msg("tool registration skipped")
		}
	}

	register(agenttools.ReadDefinition, agenttools.MakeReadHandler(agenttools.ReadDeps{
		Ledger: d.ledger, LSPManager: d.lspManager, TSIndex: d.tsIndex, Handles: d.handles, MaxLines: d.readMaxLines,
	}))
	register(agenttools.WriteDefinition, agenttools.MakeWriteHandler(agenttools.WriteDeps{
		Ledger: d.ledger, Snapshots: d.snapshots, LSPManager: d.lspManager, TSIndex: d.tsIndex,
	}))
	register(agenttools.EditDefinition, agenttools.MakeEditHandler(agenttools.EditDeps{
		Ledger: d.ledger, Snapshots: d.snapshots, LSPManager: d.lspManager, TSIndex: d.tsIndex, Handles: d.handles,
	}))
	register(agenttools.GrepDefinition, agenttools.MakeGrepHandler(d.handles))
	register(agenttools.GlobDefinition, agenttools.MakeGlobHandler(d.handles))
	register(agenttools.SymbolsPeekDefinition, agenttools.MakeSymbolsPeekHandler(agenttools.SymbolsPeekDeps{
		TSIndex: d.tsIndex, Handles: d.handles,
	}))
	register(agenttools.LSPDefinition, agenttools.MakeLSPHandler(agenttools.LSPDeps{
		Manager: d.lspManager, Handles: d.handles,
	}))
	register(agenttools.BashDefinition, agenttools.MakeBashHandler(agenttools.BashDeps{
		Shell: d.shell, Snapshots: d.snapshots, Jobs: d.jobs, BackgroundTTL: d.bashTTL,
		BackgroundCapture: d.bashCapture, BackgroundLines: d.bashCaptureLines, DefaultTimeout: d.bashDefaultTimeout,
	}))
	register(agenttools.GitStatusDefinition, agenttools.MakeGitStatusHandler())
	register(agenttools.GitDiffDefinition, agenttools.MakeGitDiffHandler())
	register(agenttools.TodoWriteDefinition, agenttools.MakeTodoWriteHandler(d.scratchpad))

	if d.webCache != nil {
		register(agenttools.WebFetchDefinition, agenttools.MakeWebFetchHandler(d.webCache, d.httpTimeout))
		register(agenttools.WebSearchDefinition, agenttools.MakeWebSearchHandler(d.webCache, d.exaAPIKey, "", d.httpTimeout))
	}
}

func registerUpstreamMCP(r *tools.Registry, upstream string) {
	client := mcp.NewClient(upstream)
	proxy := mcp.NewProxy(client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxy.Initialize(ctx); err != nil {
		log.Warn().Err(err).Str("upstream", upstream).Msg("mcp upstream init failed")
		return
	}
	defs, handlers, err := mcp.AdaptProxy(ctx, proxy)
	if err != nil {
		log.Warn().Err(err).Msg("mcp: failed to list upstream tools")
		return
	}
	r.RegisterProvider(defs, handlers)
}

// registerSubAgent wires the SubAgent tool's recursion point: each
// invocation builds a fresh child turn.Engine that shares the parent's tool
// registry and collaborators, with a tool filter that leaves out SubAgent,
// so the child cannot recurse further.
func registerSubAgent(r *tools.Registry, parent *turn.Engine, cfg *config.Config, prov provider.Provider) {
	run := func(ctx context.Context, prompt string, maxIterations int) (string, int, int, error) {
		var childFilter []string
		for _, def := range r.GetTools(nil) {
			allowed := len(parent.ToolFilter) == 0
			for _, pattern := range parent.ToolFilter {
				if matched, err := filepath.Match(pattern, def.Name); err == nil && matched {
					allowed = true
				}
			}
			if allowed && def.Name != agenttools.SubAgentDefinition.Name {
				childFilter = append(childFilter, def.Name)
			}
		}
		childApprovals := approval.NewBroker()
		if cfg.AutoApprove {
			for _, def := range r.GetTools(nil) {
				childApprovals.PreApprove(def.Name)
			}
		}
		child := &turn.Engine{
			Provider:           prov,
			Tools:              r,
			Permissions:        parent.Permissions,
			Approvals:          childApprovals,
			Snapshots:          parent.Snapshots,
			Policy:             parent.Policy,
			WorkspaceRoot:      parent.WorkspaceRoot,
			Mode:               parent.Mode,
			AllowExternalPaths: parent.AllowExternalPaths,
			BlockGitPush:       parent.BlockGitPush,
			ToolFilter:         childFilter,
			SystemPrompt:       agenttools.SubAgentSystemPrompt(),
			MaxToolRounds:      maxIterations,
			MaxRetries:         parent.MaxRetries,
			LLMTimeout:         parent.LLMTimeout,
		}
		h := history.New()
		msg, err := child.Run(ctx, h, "subagent", 1, prompt)
		if err != nil {
			return "", 0, 0, err
		}
		in, out := 0, 0
		if msg.Metadata.Usage != nil {
			in, out = msg.Metadata.Usage.InputTokens, msg.Metadata.Usage.OutputTokens
		}
		return msg.Text(), in, out, nil
	}

	if err := r.RegisterTool(agenttools.SubAgentDefinition, agenttools.MakeSubAgentHandler(run)); err != nil {
		log.Warn().Err(err).Msg("subagent tool registration skipped")
	}
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func resolveSession(flagSession string, flagContinue bool, sessions *sessionstore.Store) (id string, h *history.History, title string) {
	switch {
	case flagSession != "":
		sess, err := sessions.Load(flagSession)
		if err != nil {
			fmt.Printf("Session %q not found\n", flagSession)
			os.Exit(1)
		}
		return sess.ID, historyFrom(sess), sess.Title

	case flagContinue:
		list, err := sessions.List()
		if err != nil || len(list) == 0 {
			fmt.Println("No sessions to continue")
			os.Exit(1)
		}
		sess, err := sessions.Load(list[0].ID)
		if err != nil {
			fmt.Printf("Error loading session: %v\n", err)
			os.Exit(1)
		}
		return sess.ID, historyFrom(sess), sess.Title

	default:
		return newSessionID(), history.New(), ""
	}
}

func historyFrom(sess *sessionstore.Session) *history.History {
	h := history.New()
	for _, m := range sess.History {
		h.Append(m)
	}
	return h
}

func printSessions(sessions *sessionstore.Store) {
	list, err := sessions.List()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range list {
		title := s.Title
		if len(title) > 50 {
			title = title[:50]
		}
		fmt.Printf("%s  %s  %s\n", s.ID, s.UpdatedAt.Format("2006-01-02 15:04"), title)
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "symb.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}
