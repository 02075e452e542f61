// Package main is the entry point for the Luthien control plane.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/luthienresearch/luthien/internal/config"
	"github.com/luthienresearch/luthien/internal/dispatcher"
	"github.com/luthienresearch/luthien/internal/eventbus"
	"github.com/luthienresearch/luthien/internal/orchestrator"
	"github.com/luthienresearch/luthien/internal/policy"
	"github.com/luthienresearch/luthien/internal/policy/examples"
	"github.com/luthienresearch/luthien/internal/policyhotswap"
	"github.com/luthienresearch/luthien/internal/recorder"
	"github.com/luthienresearch/luthien/internal/server"
	"github.com/luthienresearch/luthien/internal/upstream"
)

// clientFactory builds an upstream.Client for one configured provider.
// Keyed by ProviderConfig.Backend rather than the provider's config-file
// name, so two providers may share a wire dialect.
type clientFactory func(apiKey, baseURL string, httpClient *http.Client) upstream.Client

var clientConstructors = map[string]clientFactory{
	"openai": func(apiKey, baseURL string, c *http.Client) upstream.Client {
		return upstream.NewOpenAIClient(apiKey, baseURL, c)
	},
	"anthropic": func(apiKey, baseURL string, c *http.Client) upstream.Client {
		return upstream.NewAnthropicClient(apiKey, baseURL, c)
	},
}

// policyFactory builds a policy.Policy from a PolicyConfig's raw config
// block and, if the policy needs one, a judge. Policy classes resolve
// through this static registry (see config.PolicyConfig's doc comment).
type policyFactory func(raw map[string]any, judge *upstream.LLMJudge) (policy.Policy, error)

var policyConstructors = map[string]policyFactory{
	"noop": func(raw map[string]any, judge *upstream.LLMJudge) (policy.Policy, error) {
		return examples.NoOp{}, nil
	},
	"all_caps": func(raw map[string]any, judge *upstream.LLMJudge) (policy.Policy, error) {
		return examples.NewAllCaps(), nil
	},
	"string_replacement": func(raw map[string]any, judge *upstream.LLMJudge) (policy.Policy, error) {
		old, _ := raw["old"].(string)
		replacement, _ := raw["new"].(string)
		return examples.NewStringReplacement(old, replacement), nil
	},
	"dogfood_safety": func(raw map[string]any, judge *upstream.LLMJudge) (policy.Policy, error) {
		return examples.NewDogfoodSafety(examples.DogfoodSafetyConfig{
			BlockedPatterns: stringSlice(raw["blocked_patterns"]),
			ToolNames:       stringSlice(raw["tool_names"]),
			BlockedMessage:  stringOr(raw["blocked_message"], ""),
		}), nil
	},
	"tool_call_judge": func(raw map[string]any, judge *upstream.LLMJudge) (policy.Policy, error) {
		if judge == nil {
			return nil, fmt.Errorf("tool_call_judge requires a judge config block")
		}
		threshold, _ := raw["probability_threshold"].(float64)
		if threshold == 0 {
			threshold = 0.6
		}
		return examples.NewToolCallJudge(examples.ToolCallJudgeConfig{
			Judge:                judge,
			ProbabilityThreshold: threshold,
			BlockedMessageFormat: stringOr(raw["blocked_message_format"], ""),
		}), nil
	},
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clients, clientsByName := buildClients(cfg)

	store, err := eventbus.Open(cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer store.Close()

	broker := eventbus.NewBroker()
	publisher := eventbus.NewPublisher(store, broker)
	rec := recorder.New(publisher)

	var judge *upstream.LLMJudge
	if cfg.Judge.Provider != "" {
		judgeClient, ok := clientsByName[cfg.Judge.Provider]
		if !ok {
			log.Fatalf("judge config names unknown provider %q", cfg.Judge.Provider)
		}
		judge = upstream.NewLLMJudge(upstream.LLMJudgeConfig{
			Client:       judgeClient,
			Model:        cfg.Judge.Model,
			Instructions: cfg.Judge.Instructions,
			MaxTokens:    cfg.Judge.MaxTokens,
			Temperature:  cfg.Judge.Temperature,
		})
	}

	activePolicy, err := buildPolicy(cfg.Policy, judge)
	if err != nil {
		log.Fatalf("failed to build active policy %q: %v", cfg.Policy.Class, err)
	}
	log.Printf("active policy: %s", activePolicy.Name())

	handle := policyhotswap.New(activePolicy)

	tracer, shutdownTracing := setupTracer(cfg.Telemetry)
	defer shutdownTracing(context.Background())

	orch := orchestrator.New(publisher, rec, tracer, cfg.Storage.ChunkBufferCap, dispatcher.Config{
		Timeout:          cfg.Stream.PolicyTimeout,
		QueueSendTimeout: cfg.Stream.QueueSendTimeout,
	})

	srv := server.New(cfg, clients, orch, handle, broker, tracer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("luthien listening on :%d", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// setupTracer builds the tracer every transaction span hangs off:
// a no-op provider when telemetry is disabled, otherwise an OTLP/HTTP
// batch exporter registered as the global provider.
func setupTracer(cfg config.TelemetryConfig) (trace.Tracer, func(context.Context) error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider().Tracer("luthien"), func(context.Context) error { return nil }
	}

	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		log.Fatalf("failed to create OTLP trace exporter: %v", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return otel.Tracer("luthien"), tp.Shutdown
}

// buildClients constructs one upstream.Client per configured provider
// and registers every model it serves. Clients are also indexed by
// provider name so the judge config can look one up directly.
func buildClients(cfg *config.Config) (map[string]upstream.Client, map[string]upstream.Client) {
	models := make(map[string]upstream.Client)
	byName := make(map[string]upstream.Client)

	for name, provCfg := range cfg.Providers {
		factory, ok := clientConstructors[provCfg.Backend]
		if !ok {
			log.Fatalf("unknown provider backend in config: %q", provCfg.Backend)
		}

		c := factory(provCfg.APIKey, provCfg.BaseURL, http.DefaultClient)
		byName[name] = c

		for _, model := range provCfg.Models {
			models[model] = c
			log.Printf("registered model %q -> provider %q (%s)", model, name, provCfg.Backend)
		}
	}

	return models, byName
}

// buildPolicy resolves a PolicyConfig into a policy.Policy via the
// static registry above, falling back to the no-op policy when none is
// configured so a config file without a policy section still runs.
func buildPolicy(cfg config.PolicyConfig, judge *upstream.LLMJudge) (policy.Policy, error) {
	class := cfg.Class
	if class == "" {
		class = "noop"
	}
	factory, ok := policyConstructors[class]
	if !ok {
		return nil, fmt.Errorf("unknown policy class %q", class)
	}
	return factory(cfg.RawConfig, judge)
}
