// Command agentgw is a multi-agent gateway: it routes channel messages
// (Telegram, Discord, ...) to per-agent runtimes, hot-reloading agent
// definitions and workspace context files from disk without a restart.
package main

import "github.com/nextlevelbuilder/agentgw/cmd"

func main() {
	cmd.Execute()
}
