package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/die-net/tunnelbridge/internal/engine"
	"github.com/die-net/tunnelbridge/internal/transport"
)

// fileConfig is the layout of the --config file: engine settings at the top
// level and one [[hop]] table per hop, first hop first.
type fileConfig struct {
	engine.Config
	Hops []transport.Hop `toml:"hop"`
}

// loadConfig reads path over the engine defaults. An empty path returns the
// defaults and no hops.
func loadConfig(path string) (engine.Config, transport.Chain, error) {
	fc := fileConfig{Config: engine.DefaultConfig()}
	if path == "" {
		return fc.Config, nil, nil
	}

	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine.Config{}, nil, fmt.Errorf("config file %s not found", path)
		}
		return engine.Config{}, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return engine.Config{}, nil, fmt.Errorf("parse %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return fc.Config, transport.Chain(fc.Hops), nil
}

// withDefaultKey adds ?key=key to a hop URL that carries neither a password
// nor a key.
func withDefaultKey(raw, key string) string {
	u, err := url.Parse(raw)
	if key == "" || err != nil || u.Query().Get("key") != "" {
		return raw
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			return raw
		}
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String()
}

// parseHops builds a chain from --hop URLs.
func parseHops(urls []string, defaultKey string) (transport.Chain, error) {
	chain := make(transport.Chain, 0, len(urls))
	for i, raw := range urls {
		hop, err := transport.ParseHopURL(withDefaultKey(raw, defaultKey))
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i+1, err)
		}
		chain = append(chain, hop)
	}
	return chain, nil
}
