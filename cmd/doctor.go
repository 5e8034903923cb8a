package cmd

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
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
	fmt.Println("taskfabric doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed (postgres)\n", "Mode:")
		checkPostgres(cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone (sqlite)\n", "Mode:")
		path := config.ExpandHome(cfg.Database.SQLitePath)
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("    %-12s %s (will be created)\n", "Path:", path)
		} else {
			fmt.Printf("    %-12s %s (OK)\n", "Path:", path)
		}
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	checkSecret("Token", cfg.Gateway.Token)
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	checkGatewayHealth(cfg.Agent.GatewayURL)

	fmt.Println()
	fmt.Println("  Agent:")
	if cfg.Agent.ID == "" {
		fmt.Printf("    %-12s (not configured)\n", "ID:")
	} else {
		fmt.Printf("    %-12s %s\n", "ID:", cfg.Agent.ID)
	}
	checkSecret("API key", cfg.Agent.APIKey)
	for _, root := range cfg.Agent.ProjectRoots {
		expanded := config.ExpandHome(root)
		if _, err := os.Stat(expanded); err != nil {
			fmt.Printf("    %-12s %s (NOT FOUND)\n", "Root:", expanded)
		} else {
			fmt.Printf("    %-12s %s (OK)\n", "Root:", expanded)
		}
	}
	checkBinary(cfg.Agent.InvokerCommand)

	fmt.Println()
	fmt.Println("  Chat:")
	fmt.Printf("    %-12s %s\n", "Platform:", cfg.Chat.Platform)
	if cfg.Chat.Platform != "none" {
		checkSecret("Token", cfg.Chat.TelegramToken)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgres(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	var version int
	var dirty bool
	row := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1")
	if err := row.Scan(&version, &dirty); err != nil {
		fmt.Printf("    %-12s connected (no migrations — run: taskfabric migrate up)\n", "Status:")
		return
	}
	if dirty {
		fmt.Printf("    %-12s v%d (DIRTY — run: taskfabric migrate force %d)\n", "Schema:", version, version-1)
	} else {
		fmt.Printf("    %-12s v%d\n", "Schema:", version)
	}
}

// checkGatewayHealth probes /health over plain HTTP, deriving the URL
// from the agent's ws:// endpoint.
func checkGatewayHealth(gatewayURL string) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		fmt.Printf("    %-12s invalid gateway URL (%s)\n", "Health:", err)
		return
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/health"

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Health:", err)
		return
	}
	defer resp.Body.Close()
	fmt.Printf("    %-12s %s (%s)\n", "Health:", u.String(), resp.Status)
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not set)\n", name+":")
		return
	}
	masked := value
	if len(masked) > 8 {
		masked = masked[:4] + "****" + masked[len(masked)-4:]
	} else {
		masked = "****"
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	if name == "" {
		name = "claude"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", "Invoker:")
	} else {
		fmt.Printf("    %-12s %s\n", "Invoker:", path)
	}
}
