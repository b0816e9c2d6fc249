package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate_Defaults(t *testing.T) {
	var c Config
	validate(&c)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "postgres", c.Storage.Driver)
	assert.Equal(t, 5432, c.Postgres.Port)
	assert.Equal(t, "rules_changed", c.Listener.Channel)
	assert.Equal(t, "last_writer", c.Engine.ConflictPolicy)
	assert.Equal(t, 5*time.Minute, c.Engine.ContextTTL)
	assert.Equal(t, []string{"log"}, c.Alerts.Channels)
	assert.Equal(t, 5*time.Second, c.Backoff())
}

func TestValidate_KeepsExplicitValues(t *testing.T) {
	var c Config
	c.Server.Addr = ":9090"
	c.Engine.ConflictPolicy = "first_writer"
	c.Engine.ContextTTL = time.Minute
	c.Alerts.Channels = []string{"chat", "email"}
	validate(&c)

	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, "first_writer", c.Engine.ConflictPolicy)
	assert.Equal(t, time.Minute, c.Engine.ContextTTL)
	assert.Equal(t, []string{"chat", "email"}, c.Alerts.Channels)
}

func TestDSN(t *testing.T) {
	var c Config
	c.Postgres.User = "u"
	c.Postgres.Password = "p"
	c.Postgres.Host = "db"
	c.Postgres.DBName = "csr"
	validate(&c)

	assert.Equal(t, "postgres://u:p@db:5432/csr?sslmode=disable", c.DSN())
}
