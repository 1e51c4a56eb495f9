package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nbot/orchestrator/internal/config"
	"github.com/nbot/orchestrator/internal/containerdriver"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) error {
	ok := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	fmt.Println("nbotctl doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	path := config.ResolveConfigPath(cfgFile)
	fmt.Printf("  Config:   %s", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Printf(" (%s)\n", warn("using defaults, file not found"))
	} else {
		fmt.Printf(" (%s)\n", ok("found"))
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("  %s load config: %v\n", bad("FAILED"), err)
		return err
	}
	snap := cfg.Snapshot()

	fmt.Println()
	fmt.Println("  Docker:")
	driver, err := containerdriver.New()
	if err != nil {
		fmt.Printf("    %-18s %s (%v)\n", "Engine API:", bad("UNREACHABLE"), err)
	} else {
		fmt.Printf("    %-18s %s\n", "Engine API:", ok("reachable"))
		containers, psErr := driver.PsAll(ctx)
		if psErr != nil {
			fmt.Printf("    %-18s %s (%v)\n", "Managed containers:", warn("could not list"), psErr)
		} else {
			fmt.Printf("    %-18s %d\n", "Managed containers:", len(containers))
		}
	}
	fmt.Printf("    %-18s %s\n", "napcat image:", snap.Container.NapcatImage)
	fmt.Printf("    %-18s %s\n", "network:", snap.Container.Network)

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary(ok, bad, "ffmpeg")
	checkBinary(ok, bad, "ffprobe")

	fmt.Println()
	fmt.Println("  Persistence:")
	fmt.Printf("    %-18s %s\n", "data dir:", snap.Persistence.DataDir)
	if _, err := os.Stat(snap.Persistence.DataDir); err != nil {
		fmt.Printf("    %-18s %s\n", "status:", warn("not yet created"))
	} else {
		fmt.Printf("    %-18s %s\n", "status:", ok("present"))
	}

	fmt.Println()
	fmt.Println("  Render service:")
	if snap.Render.BaseURL == "" {
		fmt.Printf("    %-18s %s\n", "base url:", warn("not configured"))
	} else {
		fmt.Printf("    %-18s %s\n", "base url:", snap.Render.BaseURL)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
	return nil
}

func checkBinary(ok, bad func(a ...interface{}) string, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-18s %s\n", name+":", bad("NOT FOUND"))
		return
	}
	fmt.Printf("    %-18s %s\n", name+":", ok(path))
}
