// Package main is the parley interactive chat client.
//
// A thin REPL over the conversation manager: it wires config, logging,
// the completion client, the history store, and the optional journal, then
// loops on stdin. All conversation semantics live in internal/conversation;
// nothing here is load-bearing.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/conversation"
	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/llm"
	"github.com/parley-ai/parley/internal/monitoring"
)

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "parley", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env can override.
	_ = godotenv.Load()
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	model := flag.String("model", "", "override the default model")
	stream := flag.Bool("stream", true, "stream assistant output")
	system := flag.String("system", "", "system message for the conversation")
	flag.Parse()

	loadEnvFiles()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		os.Exit(1)
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	logCfg := monitoring.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if logCfg.Format == "" && interactive {
		logCfg.Format = "console"
	}
	if logCfg.Output == "" {
		logCfg.Output = "stderr"
	}
	monitoring.Global(logCfg)

	client, err := buildClient(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to build completion client")
		os.Exit(1)
	}

	store := history.NewMemoryStore(cfg.History.Limit, cfg.History.TTL.Std(), cfg.History.SweepInterval.Std())
	defer store.Close()

	var recorder conversation.Recorder
	var journal *monitoring.Journal
	if cfg.Journal.Enabled {
		journal, err = monitoring.OpenJournal(cfg.Journal.Path)
		if err != nil {
			log.Error().Err(err).Msg("failed to open journal")
			os.Exit(1)
		}
		defer journal.Close()
		recorder = journal
	}

	defaults := cfg.Defaults
	if *model != "" {
		defaults.Model = *model
	}

	mgr := conversation.NewManager(store, client, conversation.Config{
		Defaults:     defaults,
		ThrowOnError: cfg.Behavior.ThrowOnError,
		Recorder:     recorder,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repl(ctx, mgr, journal, *system, *stream, interactive); err != nil {
		log.Error().Err(err).Msg("session ended with error")
		os.Exit(1)
	}
}

// buildClient constructs the completion client, adding the SigV4 signing
// transport when the provider is Bedrock.
func buildClient(cfg *config.Config) (llm.Client, error) {
	opts := llm.Options{
		Provider: cfg.LLM.Provider,
		Endpoint: cfg.LLM.Endpoint,
		APIKey:   cfg.LLM.APIKey,
		Timeout:  cfg.LLM.Timeout.Std(),
	}

	provider := cfg.LLM.Provider
	if provider == "" {
		provider = llm.DetectProvider(cfg.LLM.Endpoint)
	}
	if provider == llm.ProviderBedrock {
		transport, err := llm.NewSigningTransport(cfg.LLM.Region, nil)
		if err != nil {
			return nil, err
		}
		opts.HTTPClient = &http.Client{Transport: transport}
	}

	return llm.NewHTTPClient(opts)
}

func repl(ctx context.Context, mgr *conversation.Manager, journal *monitoring.Journal, system string, stream, interactive bool) error {
	var convID string
	var err error

	if system != "" {
		convID, err = mgr.Setup("", system)
		if err != nil {
			return err
		}
	}

	if interactive {
		fmt.Println("parley - /new /system <text> /history /stats /delete /quit")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("you> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil

		case line == "/new":
			convID = ""
			fmt.Println("started a new conversation")
			continue

		case strings.HasPrefix(line, "/system "):
			convID, err = mgr.Setup(convID, strings.TrimPrefix(line, "/system "))
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Println("system message set")
			continue

		case line == "/history":
			for _, m := range mgr.GetConversation(convID) {
				fmt.Printf("[%s] %s\n", m.Role, m.Content)
			}
			continue

		case line == "/stats":
			if journal == nil || convID == "" {
				fmt.Println("journal disabled or no conversation yet")
				continue
			}
			n, err := journal.CompletionCount(convID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Printf("%d completions journaled for this conversation\n", n)
			continue

		case line == "/delete":
			mgr.DeleteConversation(convID)
			convID = ""
			fmt.Println("conversation deleted")
			continue
		}

		convID, err = ask(ctx, mgr, convID, line, stream)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// ask runs one turn, streaming or single-shot, and returns the
// conversation id (freshly generated on the first turn).
func ask(ctx context.Context, mgr *conversation.Manager, convID, text string, stream bool) (string, error) {
	if !stream {
		resp, err := mgr.Ask(ctx, convID, text, llm.Params{})
		if err != nil {
			return convID, err
		}
		if resp.Err != "" {
			fmt.Fprintf(os.Stderr, "upstream error: %s\n", resp.Err)
			return resp.ConversationID, nil
		}
		fmt.Println(resp.Content)
		return resp.ConversationID, nil
	}

	parts, err := mgr.AskStream(ctx, convID, text, llm.Params{})
	if err != nil {
		return convID, err
	}
	for p := range parts {
		convID = p.ConversationID
		if p.Done {
			fmt.Println()
			if p.Err != nil {
				return convID, p.Err
			}
			if p.Response != nil && p.Response.Err != "" {
				fmt.Fprintf(os.Stderr, "upstream error: %s\n", p.Response.Err)
			}
			return convID, nil
		}
		fmt.Print(p.Delta)
	}
	fmt.Println()
	return convID, nil
}
