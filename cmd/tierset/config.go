package main

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/skipor/tierset/internal/util"
	"github.com/skipor/tierset/log"
	"github.com/skipor/tierset/tier"
)

// inputConfig is the flat, string-typed config surface shared by the yaml
// file and the command line. Unit values use the "u" suffix: "64u", "3.75u".
type inputConfig struct {
	Journal        string `yaml:"journal"`
	LogDestination string `yaml:"log-destination"` // stderr, stdout, or filepath.
	LogLevel       string `yaml:"log-level"`
	BudgetHot      string `yaml:"budget-hot"`
	BudgetWarm     string `yaml:"budget-warm"`
	BudgetCold     string `yaml:"budget-cold"`
}

func defaultInputConfig() *inputConfig {
	return &inputConfig{
		Journal:        "tierset.manifest",
		LogDestination: "stderr",
		LogLevel:       "info",
		BudgetHot:      "64u",
		BudgetWarm:     "256u",
		BudgetCold:     "4096u",
	}
}

type runConfig struct {
	Journal string
	Log     log.Logger
	Limits  tier.Limits
}

// loadConfig resolves the effective config. Merge rules: config file value
// overrides default, command line value overrides any.
func loadConfig(configPath string, flags *inputConfig) (*runConfig, error) {
	conf := defaultInputConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, errors.Wrap(err, "config file read")
		}
		fileConf := &inputConfig{}
		if err := yaml.Unmarshal(data, fileConf); err != nil {
			return nil, errors.Wrap(err, "config file parse")
		}
		util.MergeNonZero(conf, fileConf)
	}
	util.MergeNonZero(conf, flags)
	return parseConfig(conf)
}

func parseConfig(conf *inputConfig) (*runConfig, error) {
	level, err := log.LevelFromString(conf.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	dest, err := logDestination(conf.LogDestination)
	if err != nil {
		return nil, errors.Wrap(err, "log destination")
	}
	parsed := &runConfig{
		Journal: conf.Journal,
		Log:     log.NewLogger(level, dest),
	}
	for _, budget := range []struct {
		raw string
		out *tier.Units
	}{
		{conf.BudgetHot, &parsed.Limits.Hot},
		{conf.BudgetWarm, &parsed.Limits.Warm},
		{conf.BudgetCold, &parsed.Limits.Cold},
	} {
		*budget.out, err = tier.ParseUnits(budget.raw)
		if err != nil {
			return nil, errors.Wrap(err, "budget")
		}
	}
	return parsed, nil
}

func logDestination(dest string) (io.Writer, error) {
	switch strings.ToLower(dest) {
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0664)
}
