// ABOUTME: Entry point for the agent-fleet control plane
// ABOUTME: Serves the admin API and runs one task server per stored agent

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/agent-fleet/internal/config"
	"github.com/2389/agent-fleet/internal/gateway"
	"github.com/2389/agent-fleet/internal/tracing"
)

// Version is set at build time.
var version = "dev"

const banner = `
                         _        __ _           _
  __ _  __ _  ___ _ __ | |_     / _| | ___  ___| |_
 / _' |/ _' |/ _ \ '_ \| __|___| |_| |/ _ \/ _ \ __|
| (_| | (_| |  __/ | | | ||_____|  _| |  __/  __/ |_
 \__,_|\__, |\___|_| |_|\__|    |_| |_|\___|\___|\__|
       |___/
`

// getConfigPath returns the path to the config file.
// Priority: AGENT_FLEET_CONFIG env var > XDG_CONFIG_HOME/agent-fleet/config.yaml > ~/.config/agent-fleet/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENT_FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-fleet", "config.yaml")
}

// getDataPath returns the path to the agent-fleet data directory.
// Priority: XDG_DATA_HOME/agent-fleet > ~/.local/share/agent-fleet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-fleet")
}

func usage() {
	fmt.Println("Usage: agent-fleet <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the control plane")
	fmt.Println("  init     Create a new config file interactively")
	fmt.Println("  health   Check control plane health")
	fmt.Println("  agents   List agents and their status")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by every command that reads the config.
type commonFlags struct {
	configPath string
	enginePort int
}

func parseFlags(name string, args []string) (*commonFlags, error) {
	f := &commonFlags{}
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "config file (default: $AGENT_FLEET_CONFIG or ~/.config/agent-fleet/config.yaml)")
	flagSet.IntVar(&f.enginePort, "engine-port", 0, "admin API port, overrides the config and ENGINE_PORT")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

// loadConfig reads the config file and applies the shared config and flags.
// A missing default config file yields the built-in defaults; a missing
// explicit one is an error.
func loadConfig(f *commonFlags) (*config.Config, string, error) {
	path := f.configPath
	explicit := path != ""
	if !explicit {
		path = getConfigPath()
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, os.ErrNotExist):
		cfg = config.Default(filepath.Join(getDataPath(), "fleet.db"))
		path = "(defaults)"
	default:
		return nil, "", fmt.Errorf("loading config: %w", err)
	}

	shared, err := config.LoadShared(cfg.SharedConfigPath)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.ApplyShared(shared); err != nil {
		return nil, "", err
	}
	if f.enginePort != 0 {
		if err := cfg.SetHTTPPort(f.enginePort); err != nil {
			return nil, "", err
		}
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	flags, err := parseFlags("serve", args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Admin API: %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %s, ports %d-%d\n", cfg.Agents.Host, cfg.Agents.BasePort, cfg.Agents.MaxPort)
	fmt.Println()

	logger.Info("starting agent-fleet",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func getJSON(ctx context.Context, url string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func runHealth(ctx context.Context, args []string) error {
	flags, err := parseFlags("health", args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}

	status, err := getJSON(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

type agentRow struct {
	Name   string `json:"agent_name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Status string `json:"status"`
	Detail string `json:"status_detail"`
}

func runAgents(ctx context.Context, args []string) error {
	flags, err := parseFlags("agents", args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}

	var list struct {
		Agents []agentRow `json:"agents"`
		Error  string     `json:"error"`
	}
	status, err := getJSON(ctx, fmt.Sprintf("http://%s/agents", cfg.Server.HTTPAddr), &list)
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents: status %d: %s", status, list.Error)
	}

	if len(list.Agents) == 0 {
		fmt.Println("no agents")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tSTATUS\tDETAIL")
	for _, a := range list.Agents {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\n", a.Name, a.Host, a.Port, statusColor(a.Status), a.Detail)
	}
	return w.Flush()
}

func statusColor(status string) string {
	switch status {
	case "running":
		return color.GreenString(status)
	case "mcp error", "not connected":
		return color.YellowString(status)
	default:
		return color.RedString(status)
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agent-fleet configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "fleet.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "Admin API address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Agent Servers ---")
	agentHost := prompt(reader, "Agent host", config.DefaultAgentHost)
	basePort := prompt(reader, "First agent port", fmt.Sprint(config.DefaultBasePort))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# agent-fleet configuration\n")
	cfg.WriteString("# Generated by agent-fleet init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: \"%s\"\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", agentHost))
	cfg.WriteString(fmt.Sprintf("  base_port: %s\n", basePort))
	cfg.WriteString("  max_start_retries: 5\n")
	cfg.WriteString("  retry_delay: \"1s\"\n")
	cfg.WriteString("  probe_timeout: \"500ms\"\n")
	cfg.WriteString(fmt.Sprintf("  status_sweep: \"%s\"\n", config.DefaultStatusSweep))
	cfg.WriteString("  shutdown_delay: \"1s\"\n")
	cfg.WriteString("  shutdown_timeout: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  agent-fleet serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
