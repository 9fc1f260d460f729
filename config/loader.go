package config

import (
	"fmt"
	"time"

	golobby "github.com/golobby/config/v3"

	"github.com/GoCodeAlone/tenanthost/feeders"
)

// Source describes one feeder applied by Load.
type Source struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Location   string    `json:"location,omitempty"`
	LastLoaded time.Time `json:"lastLoaded"`
}

// Loaded is a validated configuration and the sources it was built from,
// in the order they were applied.
type Loaded struct {
	Config  *HostConfig
	Sources []Source
}

// Load starts from Defaults, applies the file at path when path is not
// empty, then TENANTHOST_ environment variables, then extra feeders, and
// validates the result.
func Load(path string, extra ...feeders.Feeder) (*Loaded, error) {
	cfg := Defaults()
	builder := golobby.New()
	var sources []Source

	if path != "" {
		f, err := feeders.ForFile(path)
		if err != nil {
			return nil, err
		}
		builder.AddFeeder(f)
		sources = append(sources, Source{Name: "file", Type: fmt.Sprintf("%T", f), Location: path})
	}
	builder.AddFeeder(feeders.NewAffixedEnvFeeder(feeders.DefaultEnvPrefix))
	sources = append(sources, Source{Name: "environment", Type: "env", Location: feeders.DefaultEnvPrefix + "_*"})
	for _, f := range extra {
		builder.AddFeeder(f)
		sources = append(sources, Source{Name: "feeder", Type: fmt.Sprintf("%T", f)})
	}

	if err := builder.AddStruct(cfg).Feed(); err != nil {
		return nil, fmt.Errorf("config feed error: %w", err)
	}
	now := time.Now()
	for i := range sources {
		sources[i].LastLoaded = now
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loaded{Config: cfg, Sources: sources}, nil
}
