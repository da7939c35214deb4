// Package valkey connects to the Valkey keyspace that backs rate limit windows, reconnect tokens, and grace sessions.
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses the Valkey URL, connects, and verifies the connection with a ping. The dialTimeout bounds how long
// the client waits when establishing new connections.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = dialTimeout
	opts.ClientName = "tilemud"

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

// parseURL turns a valkey:// or redis:// URL into client options. go-redis only understands the redis:// scheme, so a
// valkey scheme is rewritten before parsing.
func parseURL(rawURL string) (*redis.Options, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	return opts, nil
}
