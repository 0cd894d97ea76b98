package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgw/internal/config"
	"github.com/nextlevelbuilder/agentgw/internal/registry"
	"github.com/nextlevelbuilder/agentgw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentgw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Agents:")
	for name, def := range cfg.Agents.Registry {
		ws := config.ExpandHome(def.Workspace)
		status := "OK"
		if _, statErr := os.Stat(ws); statErr != nil {
			status = "workspace NOT FOUND"
		}
		fmt.Printf("    %-12s provider=%s model=%s workspace=%s (%s)\n", name+":", def.Provider, def.Model, ws, status)
	}
	if len(cfg.Agents.Registry) == 0 {
		fmt.Println("    (none configured)")
	}

	if reg, regErr := registry.New(cfgPath, registry.NewNullSink(), nil); regErr == nil {
		if dangling := reg.PruneDanglingBindings(); len(dangling) > 0 {
			fmt.Println()
			fmt.Println("  Dangling bindings (agent no longer in registry, falls back to main):")
			for _, session := range dangling {
				fmt.Printf("    %s\n", session)
			}
		}
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", anthropicAPIKey(cfg))
	checkProvider("OpenAI", openAIAPIKey(cfg))

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram != nil && cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram != nil && cfg.Channels.Telegram.BotToken != "")
	checkChannel("Discord", cfg.Channels.Discord != nil && cfg.Channels.Discord.Enabled, cfg.Channels.Discord != nil && cfg.Channels.Discord.BotToken != "")

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	checkBinary("curl")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func anthropicAPIKey(cfg *config.Config) string {
	if cfg.Providers.Anthropic == nil {
		return ""
	}
	return cfg.Providers.Anthropic.APIKey
}

func openAIAPIKey(cfg *config.Config) string {
	if cfg.Providers.OpenAI == nil {
		return ""
	}
	return cfg.Providers.OpenAI.APIKey
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		masked := apiKey
		if len(apiKey) > 8 {
			masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		}
		fmt.Printf("    %-12s %s\n", name+":", masked)
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
