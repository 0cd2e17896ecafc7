package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/config"
	"montage/internal/store"
	"montage/internal/templates"
)

// skipConfigLoad marks commands that load (or never need) the config
// themselves.
const skipConfigLoad = "skipConfigLoad"

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withStore opens the job store for the duration of fn.
func (c *commandContext) withStore(fn func(*config.Config, *store.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

// withJobs opens the store and wraps it in the job service the API uses, so
// CLI submissions get the same validation.
func (c *commandContext) withJobs(fn func(*api.JobService) error) error {
	return c.withStore(func(cfg *config.Config, st *store.Store) error {
		catalog, err := templates.Load(cfg)
		if err != nil {
			return err
		}
		return fn(api.NewJobService(st, catalog))
	})
}

func (c *commandContext) client() (*apiClient, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg), nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations[skipConfigLoad] == "true" {
			return true
		}
	}
	return false
}
