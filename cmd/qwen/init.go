package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/germanamz/qwen/pkg/config"
)

const initLongDesc = `Write a configuration file.

By default an interactive form asks for the model, the API key variable,
the system message and optional rate limits. With --yes the defaults are
written without asking.

Examples:
  qwen init
  qwen init --yes --config ~/.config/qwen.yaml`

var wizardModels = []string{"qwen-plus", "qwen-turbo", "qwen-max", "qwen-long"}

type initCommander struct {
	root *rootCommander

	force bool
	yes   bool
}

func newInitCmd(root *rootCommander) *cobra.Command {
	cmder := &initCommander{root: root}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().BoolVarP(&cmder.force, "force", "f", false, "overwrite an existing configuration file")
	cmd.Flags().BoolVarP(&cmder.yes, "yes", "y", false, "write the defaults without prompting")

	return cmd
}

func (c *initCommander) run(cmd *cobra.Command) error {
	path := c.root.configPath

	if _, err := os.Stat(path); err == nil && !c.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("init: %w", err)
	}

	cfg := config.Default()
	if !c.yes {
		v := newWizardValues(cfg)
		if err := runWizard(&v); err != nil {
			return err
		}
		if err := v.apply(&cfg); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

// wizardValues holds the form state as strings, the way huh edits it.
type wizardValues struct {
	Model         string
	KeyName       string
	SystemMessage string
	Stop          string
	Timeout       string
	RateLimit     bool
	RPM           string
	MaxRetries    string
	BaseDelay     string
}

func newWizardValues(cfg config.Config) wizardValues {
	v := wizardValues{
		Model:         cfg.Model,
		KeyName:       cfg.KeyName,
		SystemMessage: cfg.SystemMessage,
		Stop:          cfg.Stop,
		Timeout:       cfg.Timeout,
		RateLimit:     cfg.RateLimit.Enabled(),
		RPM:           "0",
		MaxRetries:    "3",
		BaseDelay:     cfg.RateLimit.BaseDelay,
	}
	if cfg.RateLimit.RPM > 0 {
		v.RPM = strconv.Itoa(cfg.RateLimit.RPM)
	}
	if cfg.RateLimit.MaxRetries > 0 {
		v.MaxRetries = strconv.Itoa(cfg.RateLimit.MaxRetries)
	}
	return v
}

func (v wizardValues) apply(cfg *config.Config) error {
	cfg.Model = v.Model
	cfg.KeyName = v.KeyName
	cfg.SystemMessage = v.SystemMessage
	cfg.Stop = v.Stop
	cfg.Timeout = v.Timeout

	if !v.RateLimit {
		cfg.RateLimit = config.RateLimitConfig{}
		return nil
	}

	rpm, err := strconv.Atoi(v.RPM)
	if err != nil {
		return fmt.Errorf("rpm: %w", err)
	}
	retries, err := strconv.Atoi(v.MaxRetries)
	if err != nil {
		return fmt.Errorf("max retries: %w", err)
	}

	cfg.RateLimit = config.RateLimitConfig{
		RPM:        rpm,
		MaxRetries: retries,
		BaseDelay:  v.BaseDelay,
	}
	return nil
}

func runWizard(v *wizardValues) error {
	models := make([]huh.Option[string], len(wizardModels))
	for i, m := range wizardModels {
		models[i] = huh.NewOption(m, m)
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().Title("Model").Options(models...).Value(&v.Model),
		huh.NewInput().Title("API key env var").Value(&v.KeyName).Validate(validateRequired),
		huh.NewText().Title("System message").Value(&v.SystemMessage),
		huh.NewInput().Title("Stop sequence").Value(&v.Stop),
		huh.NewInput().Title("Request timeout (e.g. 30s, empty = none)").Value(&v.Timeout).Validate(validateDuration),
	)).Run(); err != nil {
		return err
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title("Configure rate limiting?").Value(&v.RateLimit),
	)).Run(); err != nil {
		return err
	}

	if !v.RateLimit {
		return nil
	}

	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Requests per minute (0 = no limit)").Value(&v.RPM).Validate(validateNonNegativeInt),
		huh.NewInput().Title("Max retries on 429").Value(&v.MaxRetries).Validate(validateNonNegativeInt),
		huh.NewInput().Title("Base backoff delay (e.g. 1s, 500ms)").Value(&v.BaseDelay).Validate(validateDuration),
	)).Run()
}

func validateRequired(s string) error {
	if s == "" {
		return errors.New("required")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return errors.New("must be a non-negative integer")
	}
	return nil
}

func validateDuration(s string) error {
	if s == "" {
		return nil
	}

	if _, err := time.ParseDuration(s); err != nil {
		return errors.New("must be a valid duration (e.g. 1s, 500ms)")
	}

	return nil
}
