package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const RedisSlug = "redis"

// Settings holds Redis Streams transport configuration for story change events.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" glazed.default:"false" glazed.help:"Use Redis Streams for story change events"`
	Addr     string `glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Password string `glazed:"redis-password" glazed.help:"Redis password"`
	DB       int    `glazed:"redis-db" glazed.default:"0" glazed.help:"Redis database number"`
	// Group is the consumer group prefix. Every watcher reads through its own
	// group so each one sees every change.
	Group    string `glazed:"redis-group" glazed.default:"storysync" glazed.help:"Redis consumer group prefix"`
	Consumer string `glazed:"redis-consumer" glazed.help:"Redis consumer name (random when empty)"`
}

// NewSection returns the section definition for Redis Streams settings.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		RedisSlug,
		"Redis Streams transport for story change events",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Use Redis Streams for story change events")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379"),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-password", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Redis password")),
			fields.New("redis-db", fields.TypeInteger, fields.WithDefault(0),
				fields.WithHelp("Redis database number")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault("storysync"),
				fields.WithHelp("Redis consumer group prefix")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Redis consumer name (random when empty)")),
		),
	)
}
