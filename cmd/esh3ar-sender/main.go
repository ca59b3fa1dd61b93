package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/auth"
	"github.com/matheus3301/esh3ar/internal/config"
	"github.com/matheus3301/esh3ar/internal/console"
	"github.com/matheus3301/esh3ar/internal/identity"
	"github.com/matheus3301/esh3ar/internal/logging"
	"github.com/matheus3301/esh3ar/internal/oneway"
	"github.com/matheus3301/esh3ar/internal/profile"
)

const defaultUser = "esh3ar_userA"

func main() {
	profileFlag := pflag.String("profile", "", "profile name (overrides config default)")
	configFlag := pflag.String("config", "", "config file (default ~/.esh3ar/config.toml)")
	userFlag := pflag.StringP("user", "u", "", "username; prompted for when empty")
	passwordFile := pflag.String("password-file", "", "read the password from this file")
	count := pflag.IntP("count", "n", 1000, "number of messages to send")
	to := pflag.String("to", "775265496", "recipient phone number")
	content := pflag.String("content", "client sender", "message content")
	subject := pflag.String("subject", "default sender from client", "message subject")
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

	logger, err := logging.New(filepath.Join(profile.LogDir(profileName), "esh3ar-sender.log"), profileName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	con := console.New(os.Stdin, os.Stdout)

	handle := *userFlag
	if handle == "" {
		handle, _ = con.ReadLine(fmt.Sprintf("Enter your username (blank for %s): ", defaultUser))
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		handle = defaultUser
	}
	password := cfg.DefaultPassword
	if *passwordFile != "" {
		data, err := os.ReadFile(*passwordFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read password file: %v\n", err)
			os.Exit(1)
		}
		password = strings.TrimRight(string(data), "\r\n")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc := auth.NewHTTPClient(cfg.InsecureSkipVerify)
	ac := auth.NewClient(auth.Options{
		TokenURL:   cfg.URL(cfg.TokenPath),
		ClientID:   cfg.ClientID,
		Scope:      cfg.Scope,
		HTTPClient: hc,
		Logger:     logger.Named("auth"),
	})
	username := identity.LoginName(handle, cfg.DialPrefix, identity.PhoneShaped(handle))
	token, err := ac.Authenticate(ctx, username, password)
	if err != nil {
		con.Failure("Authentication failed.")
		con.ShowError(err)
		os.Exit(1)
	}

	sender := oneway.NewSender(cfg.URL(cfg.OneWayPath), token.AccessToken, hc, logger.Named("oneway"))
	msg := oneway.Message{
		RecipientPhoneNumber: *to,
		MessageContent:       *content,
		Subject:              *subject,
	}

	start := time.Now()
	var sent, failed int
	for i := 1; i <= *count; i++ {
		id, err := sender.Send(ctx, msg)
		if errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			failed++
			con.Failure(fmt.Sprintf("[%d/%d] failed: %v", i, *count, err))
			continue
		}
		sent++
		con.Success(fmt.Sprintf("[%d/%d] sent %s", i, *count, id))
	}
	elapsed := time.Since(start)

	logger.Info("one-way run finished",
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Duration("elapsed", elapsed))
	con.Println(fmt.Sprintf("Sent %d, failed %d in %s", sent, failed, elapsed.Round(time.Millisecond)))
	if failed > 0 {
		os.Exit(1)
	}
}
