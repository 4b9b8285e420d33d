package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
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
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Store:")
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		fmt.Printf("    %-10s OPEN FAILED (%s)\n", "Status:", err)
	} else {
		defer st.Close()
		groups, gErr := st.ListGroups()
		if gErr != nil {
			fmt.Printf("    %-10s QUERY FAILED (%s)\n", "Status:", gErr)
		} else {
			fmt.Printf("    %-10s OK (%s)\n", "Status:", cfg.StorePath())
			fmt.Printf("    %-10s %d\n", "Groups:", len(groups))
		}
	}

	fmt.Println()
	fmt.Println("  Docker:")
	runner, err := sandbox.NewRunner(sandbox.Options{
		Image:      cfg.Sandbox.Image,
		DockerHost: cfg.Sandbox.DockerHost,
	})
	if err != nil {
		fmt.Printf("    %-10s CLIENT FAILED (%s)\n", "Status:", err)
	} else {
		defer runner.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if pingErr := runner.Ping(ctx); pingErr != nil {
			fmt.Printf("    %-10s UNREACHABLE (%s)\n", "Status:", pingErr)
		} else {
			fmt.Printf("    %-10s OK\n", "Status:")
			fmt.Printf("    %-10s %s\n", "Image:", cfg.Sandbox.Image)
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
}

func checkChannel(name string, enabled, configured bool) {
	status := "disabled"
	switch {
	case enabled && configured:
		status = "enabled"
	case enabled && !configured:
		status = "enabled (MISSING CREDENTIALS)"
	}
	fmt.Printf("    %-10s %s\n", name+":", status)
}
