package cmds

import (
	"context"
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
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/storysync/pkg/feed"
	"github.com/go-go-golems/storysync/pkg/redisstream"
	"github.com/go-go-golems/storysync/pkg/storystore"
)

// ServeCommand runs a local story API and change feed backed by SQLite.
type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ServeCommand)(nil)

type ServeSettings struct {
	Addr        string `glazed:"addr"`
	DB          string `glazed:"db"`
	Seed        string `glazed:"seed"`
	IdleTimeout string `glazed:"idle-timeout"`
}

func NewServeCommand() (*ServeCommand, error) {
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve a story API and change feed for development"),
		cmds.WithLong("Serve the story API and the websocket change feed from a SQLite database. With --redis-enabled every change is also published to the story's Redis stream."),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString, fields.WithDefault(":8080"), fields.WithHelp("Listen address")),
			fields.New("db", fields.TypeString, fields.WithDefault("storysync.db"), fields.WithHelp("SQLite database file")),
			fields.New("seed", fields.TypeString, fields.WithDefault(""), fields.WithHelp("YAML file with stories to load at startup")),
			fields.New("idle-timeout", fields.TypeString, fields.WithDefault("60s"),
				fields.WithHelp("Drop a story's subscriber pool this long after its last subscriber left (0 keeps pools)")),
		),
		cmds.WithSections(redisSection),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}
	rs := redisstream.Settings{}
	if err := parsed.DecodeSectionInto(redisstream.RedisSlug, &rs); err != nil {
		return errors.Wrap(err, "init redis settings")
	}
	idle, err := time.ParseDuration(strings.TrimSpace(s.IdleTimeout))
	if err != nil {
		return errors.Wrap(err, "parse --idle-timeout")
	}

	dsn, err := storystore.DSNForFile(s.DB)
	if err != nil {
		return err
	}
	store, err := storystore.NewSQLiteStore(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if s.Seed != "" {
		n, err := store.LoadSeedFile(ctx, s.Seed)
		if err != nil {
			return err
		}
		log.Info().Int("stories", n).Str("file", s.Seed).Msg("seeded story store")
	}
	ids, err := store.Stories(ctx)
	if err != nil {
		return err
	}
	log.Info().Strs("story_ids", ids).Str("db", s.DB).Msg("story store ready")

	cfg := feed.HubConfig{Store: store, IdleTimeout: idle}
	if rs.Enabled {
		client := redisstream.NewClient(rs)
		defer func() { _ = client.Close() }()
		pub, err := redisstream.BuildPublisher(client)
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		cfg.Publisher = pub
		log.Info().Str("addr", rs.Addr).Msg("publishing changes to redis streams")
	}
	hub, err := feed.NewHub(cfg)
	if err != nil {
		return err
	}
	defer hub.Close()

	mux := http.NewServeMux()
	hub.Mount(mux, websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }})
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	eg := errgroup.Group{}
	eg.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			log.Info().Msg("received interrupt, shutting down")
		case <-srvCtx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		defer srvCancel()
		log.Info().Str("addr", s.Addr).Msg("serving story feed")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	return eg.Wait()
}
