package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgw/internal/agent"
	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/config"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
	"github.com/nextlevelbuilder/agentgw/internal/filewatch"
	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/registry"
	"github.com/nextlevelbuilder/agentgw/internal/sessions"
	storefile "github.com/nextlevelbuilder/agentgw/internal/store/file"
)

func agentChatCmd() *cobra.Command {
	var (
		agentName  string
		message    string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a one-shot message to an agent without starting the gateway",
		Long: `Chat with a configured agent directly, in-process — useful for
smoke-testing a workspace or provider credentials without running the
full gateway with its channel adapters.

Examples:
  agentgw chat -m "what time is it?"
  agentgw chat -n backend -m "status check" -s debug-session`,
		Run: func(cmd *cobra.Command, args []string) {
			runAgentChat(agentName, message, sessionKey)
		},
	}

	cmd.Flags().StringVarP(&agentName, "name", "n", "main", "agent name")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send (required)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: the agent's fixed local cli session)")

	return cmd
}

func runAgentChat(agentName, message, sessionKey string) {
	if message == "" {
		fmt.Fprintln(os.Stderr, "chat: --message is required")
		os.Exit(1)
	}

	logger := newLogger()
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: config load failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New(logger)
	reg, err := registry.New(cfgPath, registry.NewNullSink(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: registry init failed: %v\n", err)
		os.Exit(1)
	}
	cache := filecache.New(cacheDebounce, logger)
	watcher, err := filewatch.New(cache, eventBus, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: file watcher init failed: %v\n", err)
		os.Exit(1)
	}

	sessMgr := sessions.NewManager(cfg.Sessions.StorageDir)
	sessionStore := storefile.NewFileSessionStore(sessMgr)

	mgr := agent.NewManager(reg, eventBus, cache, watcher, sessionStore, buildProviderResolver(cfg), logger)

	inst, err := mgr.GetLoopForName(agentName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}

	if sessionKey == "" {
		sessionKey = sessions.BuildSessionKey(inst.Name, "cli", sessions.PeerDirect, "local")
	}

	sessionStore.AddMessage(sessionKey, providers.Message{Role: "user", Content: message})
	history := sessionStore.GetHistory(sessionKey)

	_, end := inst.BeginRun()
	resp, err := inst.Provider.Chat(ctx, providers.ChatRequest{Messages: history, Model: inst.Def.Model})
	end(err)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
	sessionStore.AddMessage(sessionKey, providers.Message{Role: "assistant", Content: resp.Content})

	fmt.Println(resp.Content)
	mgr.Cleanup()
}
