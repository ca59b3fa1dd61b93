package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/app"
	"github.com/matheus3301/esh3ar/internal/auth"
	"github.com/matheus3301/esh3ar/internal/config"
	"github.com/matheus3301/esh3ar/internal/console"
	"github.com/matheus3301/esh3ar/internal/lock"
	"github.com/matheus3301/esh3ar/internal/profile"
)

func main() {
	profileFlag := pflag.String("profile", "", "profile name (overrides config default)")
	configFlag := pflag.String("config", "", "config file (default ~/.esh3ar/config.toml)")
	userFlag := pflag.StringP("user", "u", "", "username; prompted for when empty")
	passwordFile := pflag.String("password-file", "", "read the password from this file")
	chatFlag := pflag.Bool("chat", false, "send chat messages typed on stdin")
	peerFlag := pflag.String("peer", "", "mobile account the chat is addressed to")
	writeConfig := pflag.Bool("write-config", false, "write the effective config to the config file and exit")
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

	if *writeConfig {
		if err := config.Save(cfgPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: write config %s: %v\n", cfgPath, err)
			os.Exit(1)
		}
		fmt.Printf("Config written to %s\n", cfgPath)
		return
	}

	profileName := profile.Resolve(*profileFlag, cfg.DefaultProfile)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *chatFlag && *peerFlag == "" {
		fmt.Fprintln(os.Stderr, "error: --chat requires --peer")
		os.Exit(1)
	}

	con := console.New(os.Stdin, os.Stdout)

	handle := *userFlag
	if handle == "" {
		// A read error leaves handle empty and is reported below.
		handle, _ = con.ReadLine("Enter your username: ")
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		con.Failure("Username cannot be empty.")
		return
	}

	password, err := readPassword(con, *passwordFile, cfg.DefaultPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fxApp := fx.New(
		app.Module(app.Params{
			Profile:     profileName,
			Config:      cfg,
			Credentials: app.Credentials{Handle: handle, Password: password},
			Console:     con,
			Chat:        *chatFlag,
			Peer:        *peerFlag,
		}),
		fx.StartTimeout(app.StartTimeout),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)
	if err := fxApp.Err(); err != nil {
		report(con, err)
		os.Exit(1)
	}

	con.Println("Connecting...")
	startCtx, cancel := context.WithTimeout(context.Background(), fxApp.StartTimeout())
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		report(con, err)
		os.Exit(1)
	}
	con.Success("Connected! Waiting for messages...")
	con.Println("Press Ctrl+C to exit.")

	sig := <-fxApp.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), fxApp.StopTimeout())
	defer stopCancel()
	if err := fxApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if sig.ExitCode != 0 {
		os.Exit(sig.ExitCode)
	}
}

// readPassword uses the password file when given, otherwise prompts on a
// terminal. A blank answer, or no terminal at all, means the configured
// default password.
func readPassword(con *console.Console, file, fallback string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if !con.Interactive() {
		return fallback, nil
	}
	pw, err := con.ReadPassword("Enter your password (blank for default): ")
	if err != nil {
		return "", err
	}
	if pw == "" {
		return fallback, nil
	}
	return pw, nil
}

func report(con *console.Console, err error) {
	var authErr *auth.Error
	var held *lock.HeldError
	switch {
	case errors.As(err, &authErr):
		con.Failure("Authentication failed.")
		con.ShowError(authErr)
	case errors.As(err, &held):
		con.Failure(fmt.Sprintf("Profile is already running (PID %d).", held.PID))
	default:
		con.Failure("Connection failed.")
		con.ShowError(err)
	}
}
