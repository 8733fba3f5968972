package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mcowger/llms/internal/config"
	"github.com/mcowger/llms/internal/logger"
	"github.com/mcowger/llms/internal/pipeline"
	"github.com/mcowger/llms/internal/router"
	"github.com/mcowger/llms/internal/server"
	"github.com/mcowger/llms/internal/transformer"
	"github.com/mcowger/llms/internal/transformer/anthropic"
	"github.com/mcowger/llms/internal/transformer/gemini"
	"github.com/mcowger/llms/internal/transformer/maxtoken"
	"github.com/mcowger/llms/internal/transformer/openai"
	"github.com/mcowger/llms/internal/transformer/reasoning"
	"github.com/mcowger/llms/internal/transformer/responses"
	"github.com/mcowger/llms/internal/transformer/toolenhance"
	"github.com/mcowger/llms/internal/transport"
)

var (
	cfgPath      string
	portOverride int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if portOverride != 0 {
			cfg.Server.Port = portOverride
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		log := logger.New(cfg.Log)

		registry := transformer.NewRegistry()
		loader := transformer.NewLoader(registry, builtinFactories())

		for _, ref := range defaultTransformers(cfg.Transformers) {
			if _, err := loader.Load(ref, nil); err != nil {
				return err
			}
		}
		for _, tc := range cfg.Transformers {
			if _, err := loader.Load(tc.Ref(), tc.Options); err != nil {
				return err
			}
			log.Debug().Str("transformer", tc.Ref()).Msg("loaded transformer")
		}

		rt := router.New(registry)
		for i := range cfg.Providers {
			if err := rt.Register(&cfg.Providers[i]); err != nil {
				return err
			}
			log.Info().
				Str("provider", cfg.Providers[i].Name).
				Bool("enabled", cfg.Providers[i].Enabled).
				Int("models", len(cfg.Providers[i].Models)).
				Msg("registered provider")
		}

		tp := transport.New(transport.Options{
			ProxyURL: cfg.Server.ProxyURL,
			Timeout:  cfg.Server.RequestTimeout,
		}, log)
		defer tp.Close()

		pl := pipeline.New(tp, log)

		srv, err := server.New(cfg, registry, rt, pl, log)
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML configuration file")
	serveCmd.Flags().IntVarP(&portOverride, "port", "p", 0, "override server port from configuration")
}

// builtinFactories names the compiled-in transformer units.
func builtinFactories() map[string]transformer.Factory {
	return map[string]transformer.Factory{
		"openai":      openai.New,
		"anthropic":   anthropic.New,
		"gemini":      gemini.New,
		"responses":   responses.New,
		"maxtoken":    maxtoken.New,
		"reasoning":   reasoning.New,
		"toolenhance": toolenhance.New,
	}
}

// defaultTransformers returns the built-in provider units not already named
// in the configuration. They are always available so the standard endpoints
// exist even with an empty transformers section.
func defaultTransformers(configured []config.TransformerConfig) []string {
	declared := make(map[string]struct{}, len(configured))
	for _, tc := range configured {
		declared[tc.Ref()] = struct{}{}
	}

	var refs []string
	for _, ref := range []string{"openai", "anthropic", "gemini", "responses"} {
		if _, ok := declared[ref]; !ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
