package config

import (
	"time"

	"github.com/entrhq/pantheon/pkg/browser"
	"github.com/entrhq/pantheon/pkg/pool"
	"github.com/entrhq/pantheon/pkg/stabilize"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8000",
			ReadHeaderTimeout: 10 * time.Second,
			RequestTimeout:    5 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:  false,
			LoadDelay: browser.DefaultLoadDelay,
		},
		Pool: PoolConfig{
			MaxTabsPerCategory: pool.DefaultCapacity,
			IdleTimeout:        pool.DefaultIdleTimeout,
			ReapInterval:       time.Minute,
		},
		Stabilize: StabilizeConfig{
			Grace:        stabilize.DefaultGrace,
			PollInterval: stabilize.DefaultPollInterval,
			StableFor:    stabilize.DefaultStableFor,
			MaxWait:      stabilize.DefaultMaxWait,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Categories: DefaultCategories(),
	}
}

// DefaultCategories returns the built-in chat sites.
func DefaultCategories() map[string]CategoryConfig {
	return map[string]CategoryConfig{
		"kimi": {
			URL:    "https://www.kimi.com/",
			Models: []string{"kimi-web"},
			Selectors: browser.Selectors{
				Input:   `div[contenteditable="true"]`,
				Message: `div[class*="markdown"]`,
				NewChat: `div[class*="new-chat"]`,
			},
		},
		"deepseek": {
			URL:    "https://chat.deepseek.com/",
			Models: []string{"deepseek-web"},
			Selectors: browser.Selectors{
				Input:   "textarea",
				Message: "div.ds-message",
				Thought: "div.ds-think-content",
				Answer:  "div.ds-markdown",
				Generating: []string{
					`div[class*="loading"]`,
					`div[class*="generating"]`,
					"div.cursor-blink",
					`span[class*="cursor"]`,
				},
				NewChat: `div[class*="new-chat"]`,
			},
		},
		"yuanbao": {
			URL:            "https://yuanbao.tencent.com/chat",
			Models:         []string{"yuanbao-web", "hunyuan"},
			SubmitInterval: 3 * time.Second,
			Selectors: browser.Selectors{
				Input:   "div.ql-editor",
				Send:    "#yuanbao-send-btn",
				Message: "div.agent-chat__speech-text--box-left",
				Thought: "div.hyc-component-reasoner__think-content",
				Answer:  "div.hyc-content-md",
			},
		},
		"lmarena": {
			URL:    "https://lmarena.ai/",
			Models: []string{"lmarena-web"},
			Selectors: browser.Selectors{
				Input:   `textarea[name="message"]`,
				Message: "div.no-scrollbar.relative.flex",
				Thought: "div.not-prose",
				Answer:  "div.prose",
			},
			Stabilize: StabilizeConfig{
				StableFor: 3 * time.Second,
				MaxWait:   180 * time.Second,
			},
		},
	}
}
