package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/nexabank/advisor/internal/config"
	"github.com/nexabank/advisor/internal/gateway/httpapi"
	"github.com/nexabank/advisor/internal/workflow"
)

var (
	askQuestion   string
	askVerbose    bool
	askGatewayURL string
	askAPIKey     string
	askStream     bool
	askTimeout    int
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Answer a single question from the command line",
	Long: `Run the full question-answering workflow once, without starting the
HTTP server. Progress is printed to stderr, the final answer to stdout.

With --gateway-url the question is sent to a running advisor server
instead of being answered in-process.

Examples:
  advisor ask -q "What interest does my savings account pay?"
  advisor ask -q "Do I have pending transactions over 100 EUR?" --verbose
  advisor ask -q "What is the ISA rate?" --gateway-url http://localhost:8080 --stream`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askQuestion, "question", "q", "", "question to answer (required)")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "print sub-question answers as they arrive")
	askCmd.Flags().StringVar(&askGatewayURL, "gateway-url", "", "send the question to a running server instead of answering in-process")
	askCmd.Flags().StringVar(&askAPIKey, "api-key", "", "API key for gateway authentication (or ADVISOR_API_KEY env)")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "stream progress via SSE (remote mode only)")
	askCmd.Flags().IntVar(&askTimeout, "timeout", 300, "timeout in seconds")
	askCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")

	_ = askCmd.MarkFlagRequired("question")
}

func runAsk(_ *cobra.Command, _ []string) error {
	if gatewayURL := goutils.Env("ADVISOR_GATEWAY_URL", askGatewayURL); gatewayURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(askTimeout)*time.Second)
		defer cancel()

		apiKey := goutils.Env("ADVISOR_API_KEY", askAPIKey)
		if askStream {
			return runAskSSE(ctx, gatewayURL, apiKey)
		}
		return runAskHTTP(ctx, gatewayURL, apiKey)
	}
	return runAskLocal()
}

// runAskLocal answers the question in-process with the full shared wiring.
func runAskLocal() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("ADVISOR_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx := context.Background()

	if cfg.Documents.Dir != "" {
		if _, _, err := sc.Ingester.IngestDir(ctx, cfg.Documents.Dir); err != nil {
			fmt.Fprintf(os.Stderr, "warning: document ingest failed: %v\n", err)
		}
	}

	// Answer events arrive from dispatch goroutines.
	var mu sync.Mutex
	sink := func(ev workflow.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case workflow.EventSubQuestions:
			fmt.Fprintf(os.Stderr, "[%d sub-questions]\n", len(ev.Questions))
			for _, q := range ev.Questions {
				fmt.Fprintf(os.Stderr, "  - %s\n", q)
			}
		case workflow.EventAnswer:
			if askVerbose {
				fmt.Fprintf(os.Stderr, "[%s] %s\n  %s\n", ev.Tool, ev.Question, ev.Answer)
			}
		case workflow.EventReview:
			fmt.Fprintf(os.Stderr, "[review] %s\n", ev.Message)
		}
	}

	result, err := sc.Engine.Run(ctx, askQuestion, sink)
	if err != nil {
		return err
	}

	fmt.Println(result.FinalAnswer)
	fmt.Fprintf(os.Stderr, "\n[run_id=%s passes=%d tokens=%d/%d duration=%s]\n",
		result.RunID, result.ReviewPasses,
		result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Duration.Round(time.Millisecond),
	)
	return nil
}

// runAskHTTP sends a synchronous question to a running gateway.
func runAskHTTP(ctx context.Context, gatewayURL, apiKey string) error {
	reqBody, _ := json.Marshal(httpapi.AskRequest{Question: askQuestion})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/ask", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach gateway at %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result httpapi.AskResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Println(result.Answer)
	fmt.Fprintf(os.Stderr, "\n[run_id=%s passes=%d tokens=%d/%d duration=%dms]\n",
		result.RunID, result.ReviewPasses,
		result.InputTokens, result.OutputTokens, result.DurationMS,
	)
	return nil
}

// runAskSSE sends a streaming question and prints events as they arrive.
func runAskSSE(ctx context.Context, gatewayURL, apiKey string) error {
	reqBody, _ := json.Marshal(httpapi.AskRequest{Question: askQuestion})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/ask/stream", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach gateway at %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventName string

	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			eventName = strings.TrimSpace(name)
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		switch eventName {
		case "done":
			var result httpapi.AskResponse
			if err := json.Unmarshal([]byte(data), &result); err == nil {
				fmt.Println(result.Answer)
			}
			return nil
		case "error":
			var body struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal([]byte(data), &body)
			return fmt.Errorf("run failed: %s", body.Error)
		default:
			var ev workflow.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case workflow.EventSubQuestions:
				fmt.Fprintf(os.Stderr, "[%d sub-questions]\n", len(ev.Questions))
			case workflow.EventAnswer:
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Tool, ev.Question)
			case workflow.EventReview:
				fmt.Fprintf(os.Stderr, "[review] %s\n", ev.Message)
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return fmt.Errorf("stream ended without a final answer")
}
