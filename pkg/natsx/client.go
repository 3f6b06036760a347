// Package natsx turns streaming cluster settings into a NATS connection.
package natsx

import (
	"os"
	"time"

	"github.com/casualjim/brook/topics"
	"github.com/nats-io/nats.go"
)

// Options are the connection settings read from a cluster configuration.
type Options struct {
	URL            string
	Name           string
	User           string
	Password       string
	Token          string
	CredsFile      string
	ConnectTimeout time.Duration
}

// FromConfig reads url, name, user, password, token, creds-file and
// connect-timeout. The url falls back to NATS_URL and then to the default
// local server.
func FromConfig(config map[string]any) Options {
	o := Options{
		URL:            topics.ConfigString(config, "url", os.Getenv("NATS_URL")),
		Name:           topics.ConfigString(config, "name", "brook"),
		User:           topics.ConfigString(config, "user", ""),
		Password:       topics.ConfigString(config, "password", ""),
		Token:          topics.ConfigString(config, "token", ""),
		CredsFile:      topics.ConfigString(config, "creds-file", ""),
		ConnectTimeout: topics.ConfigDuration(config, "connect-timeout", nats.DefaultTimeout),
	}
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	return o
}

func (o Options) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.Compression(true),
		nats.Timeout(o.ConnectTimeout),
	}
	switch {
	case o.CredsFile != "":
		opts = append(opts, nats.UserCredentials(o.CredsFile))
	case o.Token != "":
		opts = append(opts, nats.Token(o.Token))
	case o.User != "":
		opts = append(opts, nats.UserInfo(o.User, o.Password))
	}
	return opts
}

// Connect dials the server described by o.
func Connect(o Options) (*nats.Conn, error) {
	return nats.Connect(o.URL, o.natsOptions()...)
}
