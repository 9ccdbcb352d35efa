package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mnehpets/authsession"
	"github.com/mnehpets/authsession/apiclient"
	"github.com/mnehpets/authsession/config"
	"github.com/mnehpets/authsession/redirect"
	"github.com/mnehpets/authsession/storage"
	"github.com/mnehpets/authsession/storage/redisstore"
	"github.com/mnehpets/authsession/storage/sealedfile"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	storeKeyEnv   = "AUTHSESSION_STORE_KEY"
	storeKeyIDEnv = "AUTHSESSION_STORE_KEY_ID"
	defaultURL    = "http://localhost/"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	storePath  string
	redisAddr  string
	profile    string
	location   string
	verbose    bool
	skipSync   bool

	clientID string
	domain   string
	baseURL  string
}

func (g *globalOptions) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&g.configPath, "config", "c", "", "YAML settings file")
	f.StringVar(&g.storePath, "store", "", "sealed session file (default: user config dir)")
	f.StringVar(&g.redisAddr, "redis", "", "store the session in Redis at this address instead of a file")
	f.StringVar(&g.profile, "profile", "default", "session profile name")
	f.StringVar(&g.location, "url", defaultURL, "current location of the simulated browser")
	f.BoolVarP(&g.verbose, "verbose", "v", false, "log debug output to stderr")
	f.BoolVar(&g.skipSync, "skip-sync", false, "do not notify the user service after login")
	f.StringVar(&g.clientID, "client-id", "", "identity provider client id")
	f.StringVar(&g.domain, "domain", "", "identity provider domain")
	f.StringVar(&g.baseURL, "base-url", "", "API base URL, or one of localhost, staging, production")
}

func (g *globalOptions) logger() *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// settings layers the environment, the config file and the flags, later
// sources winning.
func (g *globalOptions) settings() (map[string]any, error) {
	env, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	settings := env.Settings()
	if g.configPath != "" {
		file, err := config.ReadFile(g.configPath)
		if err != nil {
			return nil, err
		}
		for k, v := range file {
			settings[k] = v
		}
	}
	for k, v := range map[string]string{
		config.KeyClientID: g.clientID,
		config.KeyDomain:   g.domain,
		config.KeyBaseURL:  g.baseURL,
	} {
		if v != "" {
			settings[k] = v
		}
	}
	return settings, nil
}

func (g *globalOptions) backend(log *slog.Logger) (storage.Backend, func() error, error) {
	if g.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: g.redisAddr})
		st, err := redisstore.New(redisstore.Config{Client: client, Namespace: g.profile})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return st, client.Close, nil
	}

	codec, err := storeCodec()
	if err != nil {
		return nil, nil, err
	}
	path := g.storePath
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, nil, fmt.Errorf("locate session file: %w", err)
		}
		path = filepath.Join(dir, "authsession", g.profile+".sealed")
	}
	st, err := sealedfile.New(path, codec, sealedfile.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return st, func() error { return nil }, nil
}

func storeCodec() (*sealedfile.Codec, error) {
	raw := os.Getenv(storeKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set; generate one with 'authsession keygen'", storeKeyEnv)
	}
	key, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", storeKeyEnv, err)
	}
	id := os.Getenv(storeKeyIDEnv)
	if id == "" {
		id = "1"
	}
	return sealedfile.NewCodec(id, map[string][]byte{id: key}, nil)
}

// browser stands in for the browser location.
type browser struct {
	mu   sync.Mutex
	href string
	log  *slog.Logger
}

func (b *browser) Href() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.href
}

func (b *browser) Push(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.href = redirect.Origin(b.href) + path
	b.log.Debug("browser.push", slog.String("location", b.href))
}

func (b *browser) Replace(u string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.href = u
	b.log.Debug("browser.replace", slog.String("location", u))
}

// withoutSync is an API client that skips the user sync call.
type withoutSync struct {
	*apiclient.Client
}

func (withoutSync) SyncUser(context.Context) error { return nil }

// runningSession is a built Context with its machine running.
type runningSession struct {
	*authsession.Context
	browser *browser
	log     *slog.Logger
	stop    func()
}

// open builds a session at location and starts its machine. Call close when
// done.
func (g *globalOptions) open(ctx context.Context, location string, opts ...authsession.Option) (*runningSession, error) {
	log := g.logger()
	settings, err := g.settings()
	if err != nil {
		return nil, err
	}
	backend, closeBackend, err := g.backend(log)
	if err != nil {
		return nil, err
	}

	b := &browser{href: location, log: log}
	var api authsession.API = apiclient.New(
		apiclient.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
		apiclient.WithLogger(log))
	if g.skipSync {
		api = withoutSync{api.(*apiclient.Client)}
	}

	sc, err := authsession.New(ctx, settings, authsession.Deps{
		Local:     backend,
		Cookies:   backend,
		Navigator: b,
		Location:  b,
		API:       api,
	}, append([]authsession.Option{authsession.WithLogger(log)}, opts...)...)
	if err != nil {
		closeBackend()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("machine.run.fail", slog.String("err", err.Error()))
		}
	}()
	return &runningSession{
		Context: sc,
		browser: b,
		log:     log,
		stop: func() {
			cancel()
			<-done
			closeBackend()
		},
	}, nil
}

// settle waits for every dispatched event to be handled.
func (s *runningSession) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.Machine().Flush(ctx)
}

func (s *runningSession) close() {
	s.stop()
}
