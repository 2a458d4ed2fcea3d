package session

import (
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
)

const SyncSlug = "sync"

// Settings is the command-line view of Config. Durations are Go duration
// strings ("1s", "250ms").
type Settings struct {
	ReconnectBase         string   `glazed:"reconnect-base"`
	ReconnectCap          string   `glazed:"reconnect-cap"`
	ReconnectMaxAttempts  int      `glazed:"reconnect-max-attempts"`
	TimeoutRetryDelay     string   `glazed:"timeout-retry-delay"`
	PollInterval          string   `glazed:"poll-interval"`
	SafetyNetInterval     string   `glazed:"safety-net-interval"`
	QuietWindow           string   `glazed:"quiet-window"`
	ActivityInterval      string   `glazed:"activity-interval"`
	FetchTimeout          string   `glazed:"fetch-timeout"`
	FetchFailureThreshold int      `glazed:"fetch-failure-threshold"`
	BurstOffsets          []string `glazed:"burst-offsets"`
}

func NewSection() (schema.Section, error) {
	d := DefaultConfig()
	offsets := make([]string, 0, len(d.BurstOffsets))
	for _, off := range d.BurstOffsets {
		offsets = append(offsets, off.String())
	}
	return schema.NewSection(
		SyncSlug,
		"Story synchronization tuning",
		schema.WithFields(
			fields.New("reconnect-base", fields.TypeString,
				fields.WithHelp("First reconnect delay, doubled per attempt"),
				fields.WithDefault(d.Reconnect.Base.String())),
			fields.New("reconnect-cap", fields.TypeString,
				fields.WithHelp("Upper bound for a single reconnect delay"),
				fields.WithDefault(d.Reconnect.Cap.String())),
			fields.New("reconnect-max-attempts", fields.TypeInteger,
				fields.WithHelp("Reconnect attempts before falling back to polling only"),
				fields.WithDefault(d.Reconnect.MaxAttempts)),
			fields.New("timeout-retry-delay", fields.TypeString,
				fields.WithHelp("Reconnect delay after a handshake timeout"),
				fields.WithDefault(d.Reconnect.TimeoutDelay.String())),
			fields.New("poll-interval", fields.TypeString,
				fields.WithHelp("Polling period while the change channel is down"),
				fields.WithDefault(d.PollInterval.String())),
			fields.New("safety-net-interval", fields.TypeString,
				fields.WithHelp("Polling period while subscribed (0s disables)"),
				fields.WithDefault(d.SafetyNetInterval.String())),
			fields.New("quiet-window", fields.TypeString,
				fields.WithHelp("Skip polls this soon after a pushed update"),
				fields.WithDefault(d.QuietWindow.String())),
			fields.New("activity-interval", fields.TypeString,
				fields.WithHelp("How often to ask whether a generation is running"),
				fields.WithDefault(d.ActivityInterval.String())),
			fields.New("fetch-timeout", fields.TypeString,
				fields.WithHelp("Timeout for a single full pull"),
				fields.WithDefault(d.FetchTimeout.String())),
			fields.New("fetch-failure-threshold", fields.TypeInteger,
				fields.WithHelp("Consecutive failed pulls before health degrades"),
				fields.WithDefault(d.FetchFailureThreshold)),
			fields.New("burst-offsets", fields.TypeStringList,
				fields.WithHelp("Refresh offsets after a terminal status"),
				fields.WithDefault(offsets)),
		),
	)
}

// Config converts the settings, starting from DefaultConfig for anything left
// empty.
func (s Settings) Config() (Config, error) {
	cfg := DefaultConfig()
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect-base", s.ReconnectBase, &cfg.Reconnect.Base},
		{"reconnect-cap", s.ReconnectCap, &cfg.Reconnect.Cap},
		{"timeout-retry-delay", s.TimeoutRetryDelay, &cfg.Reconnect.TimeoutDelay},
		{"poll-interval", s.PollInterval, &cfg.PollInterval},
		{"safety-net-interval", s.SafetyNetInterval, &cfg.SafetyNetInterval},
		{"quiet-window", s.QuietWindow, &cfg.QuietWindow},
		{"activity-interval", s.ActivityInterval, &cfg.ActivityInterval},
		{"fetch-timeout", s.FetchTimeout, &cfg.FetchTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse --%s", d.name)
		}
		*d.dst = v
	}
	if s.ReconnectMaxAttempts > 0 {
		cfg.Reconnect.MaxAttempts = s.ReconnectMaxAttempts
	}
	if s.FetchFailureThreshold > 0 {
		cfg.FetchFailureThreshold = s.FetchFailureThreshold
	}
	if s.BurstOffsets != nil {
		cfg.BurstOffsets = make([]time.Duration, 0, len(s.BurstOffsets))
		for _, raw := range s.BurstOffsets {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				v, err := time.ParseDuration(part)
				if err != nil {
					return Config{}, errors.Wrap(err, "parse --burst-offsets")
				}
				cfg.BurstOffsets = append(cfg.BurstOffsets, v)
			}
		}
	}
	return cfg, cfg.Validate()
}
