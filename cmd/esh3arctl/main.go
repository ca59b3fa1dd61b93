package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/matheus3301/esh3ar/internal/config"
	"github.com/matheus3301/esh3ar/internal/control"
	"github.com/matheus3301/esh3ar/internal/profile"
	"github.com/matheus3301/esh3ar/internal/status"
)

func main() {
	profileFlag := pflag.String("profile", "", "profile name (overrides config default)")
	configFlag := pflag.String("config", "", "config file (default ~/.esh3ar/config.toml)")
	jsonFlag := pflag.Bool("json", false, "output in JSON format")
	pflag.Parse()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	profileName := profile.Resolve(*profileFlag, cfg.DefaultProfile)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := pflag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := control.Dial(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach client for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdStatus(ctx, c, *jsonFlag)
	case "watch":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmdWatch(ctx, c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: esh3arctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status    Show connection state")
	fmt.Fprintln(os.Stderr, "  watch     Print connection state changes")
}

func cmdStatus(ctx context.Context, c *control.Client, jsonOut bool) {
	st, err := c.State(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		resp, err := c.Check(ctx, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		outputJSON(st, resp)
		return
	}
	fmt.Printf("State:  %s\n", st)
	fmt.Printf("Health: %s\n", healthOf(st))
}

func cmdWatch(ctx context.Context, c *control.Client, jsonOut bool) {
	err := c.Watch(ctx, func(st status.State) {
		if jsonOut {
			outputJSON(st, &healthpb.HealthCheckResponse{Status: healthOf(st)})
			return
		}
		fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), st)
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func healthOf(st status.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == status.Connected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// outputJSON prints one line per state so watch output can be piped.
func outputJSON(st status.State, resp *healthpb.HealthCheckResponse) {
	health, err := protojson.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Printf("{\"state\":%q,\"health\":%s}\n", st, health)
}
