package cmds

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/storysync/pkg/channel"
	"github.com/go-go-golems/storysync/pkg/fetch"
	"github.com/go-go-golems/storysync/pkg/redisstream"
	"github.com/go-go-golems/storysync/pkg/session"
	"github.com/go-go-golems/storysync/pkg/snapshot"
)

type WatchCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*WatchCommand)(nil)

type WatchSettings struct {
	StoryID          string `glazed:"story-id"`
	BaseURL          string `glazed:"base-url"`
	FeedURL          string `glazed:"feed-url"`
	Token            string `glazed:"token"`
	Output           string `glazed:"output"`
	HandshakeTimeout string `glazed:"handshake-timeout"`
	ActivityPolling  bool   `glazed:"activity-polling"`
}

func NewWatchCommand() (*WatchCommand, error) {
	syncSection, err := session.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build sync section")
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Follow a story and print every change to its snapshot"),
		cmds.WithLong("Subscribe to a story's change feed (websocket or Redis Streams), keep a reconciled local copy and print it whenever it changes."),
		cmds.WithArguments(
			fields.New("story-id", fields.TypeString, fields.WithHelp("Story to watch"), fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("base-url", fields.TypeString, fields.WithDefault("http://localhost:8080"),
				fields.WithHelp("Base URL of the story API")),
			fields.New("feed-url", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Websocket feed URL (defaults to <base-url>/ws)")),
			fields.New("token", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Bearer token sent to the API and the feed")),
			fields.New("output", fields.TypeChoice, fields.WithChoices("auto", "yaml", "json"), fields.WithDefault("auto"),
				fields.WithHelp("Snapshot output format; auto picks yaml on a terminal and json lines otherwise")),
			fields.New("handshake-timeout", fields.TypeString, fields.WithDefault(channel.DefaultHandshakeTimeout.String()),
				fields.WithHelp("Time allowed for the feed to confirm a subscription")),
			fields.New("activity-polling", fields.TypeBool, fields.WithDefault(true),
				fields.WithHelp("Ask the API whether a generation is running instead of relying on pulled state")),
		),
		cmds.WithSections(syncSection, redisSection),
	)
	return &WatchCommand{CommandDescription: desc}, nil
}

func (c *WatchCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &WatchSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init watch settings")
	}
	syncSettings := session.Settings{}
	if err := parsed.DecodeSectionInto(session.SyncSlug, &syncSettings); err != nil {
		return errors.Wrap(err, "init sync settings")
	}
	redisSettings := redisstream.Settings{}
	if err := parsed.DecodeSectionInto(redisstream.RedisSlug, &redisSettings); err != nil {
		return errors.Wrap(err, "init redis settings")
	}
	cfg, err := syncSettings.Config()
	if err != nil {
		return err
	}

	var opts []fetch.Option
	if s.Token != "" {
		opts = append(opts, fetch.WithHeader("Authorization", "Bearer "+s.Token))
	}
	api, err := fetch.NewClient(s.BaseURL, opts...)
	if err != nil {
		return err
	}

	var subscriber channel.Subscriber
	if redisSettings.Enabled {
		client := redisstream.NewClient(redisSettings)
		defer func() { _ = client.Close() }()
		subscriber = &channel.WatermillSubscriber{Factory: redisstream.SubscriberFactory(client, redisSettings)}
		log.Info().Str("addr", redisSettings.Addr).Msg("watching through redis streams")
	} else {
		ws, err := websocketSubscriber(s)
		if err != nil {
			return err
		}
		subscriber = ws
		log.Info().Str("feed", ws.URL).Msg("watching through websocket feed")
	}

	deps := session.Dependencies{Subscriber: subscriber, Fetcher: api}
	if s.ActivityPolling {
		deps.Activity = api
	}
	sess, err := session.New(cfg, deps)
	if err != nil {
		return err
	}

	printer, err := newViewPrinter(w, s.Output)
	if err != nil {
		return err
	}
	sess.OnSnapshotChanged(func(v snapshot.View) {
		if err := printer.print(v); err != nil {
			log.Error().Err(err).Msg("print snapshot")
		}
	})
	sess.OnHealthChanged(func(h session.Health) {
		log.Info().Str("story_id", s.StoryID).Str("health", h.String()).Msg("sync health")
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sess.Start(ctx, s.StoryID); err != nil {
		return err
	}
	<-ctx.Done()
	sess.Stop()
	return nil
}

func websocketSubscriber(s *WatchSettings) (*channel.WebSocketSubscriber, error) {
	feedURL := strings.TrimSpace(s.FeedURL)
	if feedURL == "" {
		feedURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/") + "/ws"
	}
	timeout := channel.DefaultHandshakeTimeout
	if strings.TrimSpace(s.HandshakeTimeout) != "" {
		d, err := time.ParseDuration(s.HandshakeTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "parse --handshake-timeout")
		}
		timeout = d
	}
	ws := &channel.WebSocketSubscriber{URL: feedURL, HandshakeTimeout: timeout}
	if s.Token != "" {
		ws.Header = http.Header{"Authorization": {"Bearer " + s.Token}}
	}
	return ws, nil
}

type viewPrinter struct {
	w    io.Writer
	yaml bool
}

func newViewPrinter(w io.Writer, format string) (*viewPrinter, error) {
	switch format {
	case "", "auto":
		f, ok := w.(*os.File)
		return &viewPrinter{w: w, yaml: ok && isatty.IsTerminal(f.Fd())}, nil
	case "yaml":
		return &viewPrinter{w: w, yaml: true}, nil
	case "json":
		return &viewPrinter{w: w}, nil
	default:
		return nil, errors.Errorf("unknown output format %q", format)
	}
}

func (p *viewPrinter) print(v snapshot.View) error {
	if p.yaml {
		if _, err := io.WriteString(p.w, "---\n"); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return json.NewEncoder(p.w).Encode(v)
}
