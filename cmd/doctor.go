package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawbridge/internal/agentsdk"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/sessionindex"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
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

	// Agent CLI binary and config directory.
	fmt.Println()
	fmt.Println("  Agent CLI:")
	checkBinary("claude")
	agentDir := config.ExpandHome(cfg.AgentConfigDir)
	if agentDir == "" {
		agentDir = agentsdk.DefaultConfigDir()
	}
	fmt.Printf("    %-12s %s", "Config dir:", agentDir)
	if _, err := os.Stat(agentDir); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	resolver := sessionindex.New(agentDir)
	entries := resolver.ListSessions("", 0)
	fmt.Printf("    %-12s %d entries\n", "History:", len(entries))
	if warn := resolver.CheckFormatHealth(); warn != "" {
		fmt.Printf("    %-12s %s\n", "WARNING:", warn)
	}

	// Local database.
	fmt.Println()
	fmt.Println("  Database:")
	dbPath := config.ExpandHome(cfg.DBPath)
	fmt.Printf("    %-12s %s", "Path:", dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Printf(" (UNWRITABLE: %s)\n", err)
	} else if db, err := store.Open(dbPath); err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
	} else {
		db.Close()
		fmt.Println(" (OK)")
	}

	// Approved roots.
	fmt.Println()
	fmt.Println("  Approved roots:")
	for _, root := range cfg.ApprovedRoots {
		expanded := config.ExpandHome(root)
		fmt.Printf("    %-40s", expanded)
		if st, err := os.Stat(expanded); err != nil || !st.IsDir() {
			fmt.Println(" (NOT A DIRECTORY)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
