package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/hupe1980/runstream/config"
	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
	"github.com/hupe1980/runstream/persist"
	"github.com/hupe1980/runstream/persist/sqlite"
	"github.com/hupe1980/runstream/transport"
	anthropicbridge "github.com/hupe1980/runstream/transport/anthropic"
	openaibridge "github.com/hupe1980/runstream/transport/openai"
)

// messageStore is what the CLI needs from a persistence backend.
type messageStore interface {
	core.Persister
	core.MessageLister
}

type commandContext struct {
	configFlag *string
	envFlag    *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *logging.RunLogger
}

func newCommandContext(configFlag, envFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		envFlag:    envFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.envFlag != nil && strings.TrimSpace(*c.envFlag) != "" {
			if err := godotenv.Load(strings.TrimSpace(*c.envFlag)); err != nil {
				c.configErr = fmt.Errorf("load env file: %w", err)
				return
			}
		}
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) log() *logging.RunLogger {
	c.loggerOnce.Do(func() {
		c.logger = c.config.NewLogger().WithComponent("cli")
	})
	return c.logger
}

// openStore returns the configured message store and a function releasing it.
func (c *commandContext) openStore() (messageStore, func() error, error) {
	switch c.config.Store.Backend {
	case config.StoreSQLite:
		store, err := sqlite.Open(c.config.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return persist.NewInMemoryStore(), func() error { return nil }, nil
	}
}

// newTransport builds the configured producer transport.
func (c *commandContext) newTransport() (core.Transport, error) {
	p := c.config.Provider
	logger := c.log()

	switch p.Kind {
	case config.ProviderHTTP:
		return transport.NewHTTPTransport(p.Endpoint, func(o *transport.HTTPOptions) {
			o.CancelURL = p.CancelURL
			o.Headers = p.Headers
			o.Logger = logger
		}), nil

	case config.ProviderOpenAI:
		var opts []openaioption.RequestOption
		if p.APIKey != "" {
			opts = append(opts, openaioption.WithAPIKey(p.APIKey))
		}
		if p.BaseURL != "" {
			opts = append(opts, openaioption.WithBaseURL(p.BaseURL))
		}
		client := openai.NewClient(opts...)
		return openaibridge.NewBridgeFromClient(&client, func(o *openaibridge.Options) {
			o.Model = p.Model
			o.SystemPrompt = p.SystemPrompt
			o.Logger = logger
			if p.Temperature > 0 {
				o.Temperature = p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxCompletionTokens = p.MaxTokens
			}
		}), nil

	case config.ProviderAnthropic:
		var opts []anthropicoption.RequestOption
		if p.APIKey != "" {
			opts = append(opts, anthropicoption.WithAPIKey(p.APIKey))
		}
		if p.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(p.BaseURL))
		}
		client := anthropic.NewClient(opts...)
		return anthropicbridge.NewBridgeFromClient(&client, func(o *anthropicbridge.Options) {
			o.Model = anthropic.Model(p.Model)
			o.SystemPrompt = p.SystemPrompt
			o.Logger = logger
			if p.Temperature > 0 {
				o.Temperature = p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxTokens = p.MaxTokens
			}
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", p.Kind)
	}
}
