package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"lspm"
	"lspm/internal/battery"
	"lspm/internal/config"
	"lspm/internal/logger"
	"lspm/internal/monitor"
	"lspm/internal/plug"
)

const (
	exitOK    = 0
	exitError = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitError
	}

	dir, err := config.DefaultDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	store := config.NewStore(dir)

	switch args[0] {
	case "start":
		return runStart(store)
	case "config":
		return runConfig(store, args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n\n", args[0])
		usage()
		return exitError
	}
}

func usage() {
	fmt.Println("Laptop Smart Power Manager (lspm)")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lspm start              Start monitoring and outlet control.")
	fmt.Println("  lspm config [flags]     Set up or update the Smart Plug configuration.")
	fmt.Println()
	fmt.Println("Config flags:")
	fmt.Println("  -a, --address   Smart Plug IP address")
	fmt.Println("  -m, --model     Smart Plug model (" + strings.Join(plug.SupportedModels(), ", ") + ")")
	fmt.Println("  -u, --username  Account username")
	fmt.Println("  -p, --password  Account password")
	fmt.Println("      --broker    MQTT broker URL (tasmota only)")
	fmt.Println("      --topic     MQTT device topic (tasmota only)")
	fmt.Println("  -c, --clear     Delete the stored configuration")
}

// runStart builds the control loop from the stored configuration and runs it
// until interrupted or faulted.
func runStart(store *config.Store) int {
	cfg, err := store.Load()
	if errors.Is(err, lspm.ErrNotConfigured) {
		fmt.Fprintln(os.Stderr, "No configuration found. Run 'lspm config' to set up the Smart Plug first.")
		return exitError
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	log := logger.GetWithFile(cfg.LogLevel, store.LogPath())
	defer func() { _ = log.Sync() }()

	client, err := plug.New(cfg.Plug, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	mgr := monitor.New(battery.NewSysfsSensor(), client, cfg.Thresholds, cfg.Monitor, monitor.NewLoggerSink(log), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color.Green("Laptop Smart Power Manager started correctly")
	fmt.Println("To stop it, press CTRL+C")

	if err := mgr.Run(ctx); err != nil {
		color.Red("Laptop Smart Power Manager stopped: %v", err)
		return exitError
	}
	color.Green("Laptop Smart Power Manager stopped successfully")
	return exitOK
}

// runConfig updates the stored configuration from flags, or walks the user
// through the interactive setup when no flags are given.
func runConfig(store *config.Store, args []string) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	var (
		address  string
		model    string
		username string
		password string
		broker   string
		topic    string
		clear    bool
	)
	fs.StringVar(&address, "a", "", "")
	fs.StringVar(&address, "address", "", "Smart Plug IP address")
	fs.StringVar(&model, "m", "", "")
	fs.StringVar(&model, "model", "", "Smart Plug model")
	fs.StringVar(&username, "u", "", "")
	fs.StringVar(&username, "username", "", "account username")
	fs.StringVar(&password, "p", "", "")
	fs.StringVar(&password, "password", "", "account password")
	fs.StringVar(&broker, "broker", "", "MQTT broker URL")
	fs.StringVar(&topic, "topic", "", "MQTT device topic")
	fs.BoolVar(&clear, "c", false, "")
	fs.BoolVar(&clear, "clear", false, "delete the stored configuration")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if clear {
		switch err := store.Clear(); {
		case errors.Is(err, lspm.ErrNotConfigured):
			fmt.Println("No configuration to clear.")
		case err != nil:
			fmt.Fprintln(os.Stderr, err)
			return exitError
		default:
			fmt.Println("Configuration cleared.")
		}
		return exitOK
	}

	if address == "" && model == "" && username == "" && password == "" && broker == "" && topic == "" {
		return runConfigWizard(store)
	}

	cfg, err := store.Load()
	if errors.Is(err, lspm.ErrNotConfigured) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	if address != "" {
		cfg.Plug.Address = address
	}
	if model != "" {
		cfg.Plug.Model = model
	}
	if username != "" {
		cfg.Plug.Username = username
	}
	if password != "" {
		cfg.Plug.Password = password
	}
	if broker != "" {
		cfg.Plug.Broker = broker
	}
	if topic != "" {
		cfg.Plug.Topic = topic
	}
	return saveConfig(store, cfg)
}

// runConfigWizard collects the plug connection settings interactively.
func runConfigWizard(store *config.Store) int {
	in := bufio.NewReader(os.Stdin)

	if store.Exists() {
		answer, err := prompt(in, "Found existing configuration. This operation will erase the previous configuration.\nDo you wish to continue? [y/n] ")
		if err != nil || !isYes(answer) {
			fmt.Println("Operation aborted.")
			return exitOK
		}
	}

	cfg := config.Default()
	var err error
	if cfg.Plug.Model, err = promptDefault(in, "Smart Plug model", cfg.Plug.Model); err != nil {
		fmt.Println("\nOperation aborted.")
		return exitError
	}
	if strings.EqualFold(cfg.Plug.Model, "tasmota") {
		if cfg.Plug.Broker, err = prompt(in, "Enter the MQTT broker URL: "); err != nil {
			fmt.Println("\nOperation aborted.")
			return exitError
		}
		if cfg.Plug.Topic, err = prompt(in, "Enter the device topic: "); err != nil {
			fmt.Println("\nOperation aborted.")
			return exitError
		}
	} else {
		if cfg.Plug.Address, err = prompt(in, "Enter the Smart Plug IP address: "); err != nil {
			fmt.Println("\nOperation aborted.")
			return exitError
		}
	}
	if cfg.Plug.Username, err = prompt(in, "Enter a username: "); err != nil {
		fmt.Println("\nOperation aborted.")
		return exitError
	}
	if cfg.Plug.Password, err = prompt(in, "Enter a password: "); err != nil {
		fmt.Println("\nOperation aborted.")
		return exitError
	}
	return saveConfig(store, cfg)
}

func saveConfig(store *config.Store, cfg config.Config) int {
	if err := store.Save(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	fmt.Printf("Configuration saved to %s\n", store.Path())
	return exitOK
}

func prompt(in *bufio.Reader, question string) (string, error) {
	fmt.Print(question)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptDefault(in *bufio.Reader, question, fallback string) (string, error) {
	answer, err := prompt(in, fmt.Sprintf("%s [%s]: ", question, fallback))
	if err != nil {
		return "", err
	}
	if answer == "" {
		return fallback, nil
	}
	return answer, nil
}

func isYes(answer string) bool {
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}
