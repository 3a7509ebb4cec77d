package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oneidp/oneidp/internal/bindflow"
	"github.com/oneidp/oneidp/internal/bot"
	"github.com/oneidp/oneidp/internal/config"
	"github.com/oneidp/oneidp/internal/oauthprovider"
	"github.com/oneidp/oneidp/internal/ratelimit"
	"github.com/oneidp/oneidp/internal/ssoclient"
	"github.com/oneidp/oneidp/internal/store"
	"github.com/oneidp/oneidp/internal/store/memstore"
	sqlstore "github.com/oneidp/oneidp/internal/store/sql"
	"github.com/oneidp/oneidp/pkg/log"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	var options serveOptions
	cmd := &cobra.Command{
		Use:   "serve [flags] config-file",
		Short: "Launch the OneBot OAuth2/OIDC identity provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options.config = args[0]
			return runServe(options)
		},
	}
	return cmd
}

func newLogger(cfg config.Logger) (*logrus.Logger, error) {
	logger := logrus.New()
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	logger.SetLevel(level)
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (json, text): %s", cfg.Format)
	}
	return logger, nil
}

func openStore(cfg config.Database, logger logrus.FieldLogger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), nil
	case "sqlite3":
		return sqlstore.OpenSQLite(cfg.File, logger)
	case "postgres":
		return sqlstore.OpenPostgres(sqlstore.PostgresConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// buildOAuthProviderConfig resolves c's durations and client list into
// the shape internal/oauthprovider.Config expects.
func buildOAuthProviderConfig(c config.Config) oauthprovider.Config {
	clients := make(map[string]config.OAuthClient, len(c.Clients))
	for _, client := range c.Clients {
		clients[client.ID] = client
	}
	return oauthprovider.Config{
		Issuer:                 c.Issuer,
		SigningSecret:          []byte(c.SigningSecret),
		AllowedOrigins:         c.Server.AllowedOrigins,
		VerificationCodeExpire: config.ParseDuration(c.Expiry.VerificationCode, 10*time.Minute),
		AuthCodeExpire:         config.ParseDuration(c.Expiry.AuthCode, 10*time.Minute),
		AccessTokenExpire:      config.ParseDuration(c.Expiry.AccessToken, time.Hour),
		RefreshTokenExpire:     config.ParseDuration(c.Expiry.RefreshToken, 30*24*time.Hour),
		Clients:                clients,
		CommandPrefix:          c.Bot.CommandPrefix,
	}
}

func buildDispatcherConfig(c config.Config) bot.DispatcherConfig {
	clientNames := make(map[string]string, len(c.Clients))
	for _, client := range c.Clients {
		clientNames[client.ID] = client.Name
	}
	return bot.DispatcherConfig{
		CommandPrefix:       c.Bot.CommandPrefix,
		AllowedGroups:       c.Bot.AllowedGroupSet(),
		SSOClientEnabled:    c.SSOClient.Enabled,
		SSOClientID:         c.SSOClient.ClientID,
		SSOAuthorizationURL: c.SSOClient.AuthorizationURL,
		SSORedirectURI:      c.SSOClient.RedirectURI,
		SSOScope:            c.SSOClient.Scope,
		BindLinkExpire:      config.ParseDuration(c.Binding.BindLinkExpire, 10*time.Minute),
		UnbindExpire:        config.ParseDuration(c.Binding.UnbindExpire, 5*time.Minute),
		Clients:             clientNames,
	}
}

func runServe(options serveOptions) error {
	cfg, err := loadConfig(options.config)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logger)
	if err != nil {
		return err
	}

	s, err := openStore(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	sso := ssoclient.New(ssoclient.Config{
		Enabled:          cfg.SSOClient.Enabled,
		UseWellKnown:     cfg.SSOClient.UseWellKnown,
		WellKnownURL:     cfg.SSOClient.WellKnownURL,
		AuthorizationURL: cfg.SSOClient.AuthorizationURL,
		TokenURL:         cfg.SSOClient.TokenURL,
		UserinfoURL:      cfg.SSOClient.UserinfoURL,
		ClientID:         cfg.SSOClient.ClientID,
		ClientSecret:     cfg.SSOClient.ClientSecret,
		RedirectURI:      cfg.SSOClient.RedirectURI,
		Scope:            cfg.SSOClient.Scope,
	})

	var bf *bindflow.Service
	if cfg.SSOClient.Enabled {
		bf = bindflow.New(s, sso, cfg.Binding.StoredFields)
	}

	limiter := ratelimit.New(nil)

	provider := oauthprovider.NewServer(buildOAuthProviderConfig(cfg), s, bf, limiter, log.NewLogrusLogger(logger))

	// transport and dispatcher reference each other (transport delivers
	// events to the dispatcher; the dispatcher replies through
	// transport), so the dispatcher variable is captured by the event
	// callback before it is assigned. The callback only ever runs once
	// transport.Run starts, by which point dispatcher is set.
	var dispatcher *bot.Dispatcher
	transport := bot.New(bot.Config{
		ClientEnabled: cfg.Bot.ClientEnabled,
		ClientURL:     cfg.Bot.ClientURL,
		ClientToken:   cfg.Bot.ClientToken,
		ServerEnabled: cfg.Bot.ServerEnabled,
		ServerAddr:    cfg.Bot.ServerAddr,
		ServerToken:   cfg.Bot.ServerToken,
	}, log.NewLogrusLogger(logger), func(ctx context.Context, event map[string]any) {
		dispatchEvent(ctx, dispatcher, event)
	})

	dispatcher = bot.NewDispatcher(buildDispatcherConfig(cfg), s, transport, sso, limiter, log.NewLogrusLogger(logger))

	httpServer := &http.Server{Addr: cfg.Server.HTTP, Handler: provider}

	var g run.Group

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return transport.Run(ctx)
		}, func(error) {
			cancel()
			transport.Stop()
		})
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			sqlstore.RunGC(ctx, s, log.NewLogrusLogger(logger))
			return nil
		}, func(error) {
			cancel()
		})
	}

	g.Add(func() error {
		logger.Infof("oneidp: listening on %s", cfg.Server.HTTP)
		return httpServer.ListenAndServe()
	}, func(error) {
		httpServer.Close()
	})

	{
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			select {
			case <-sig:
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

// dispatchEvent translates a raw OneBot-V11 message event into a
// bot.Message and hands it to the dispatcher.
func dispatchEvent(ctx context.Context, d *bot.Dispatcher, raw map[string]any) {
	postType, _ := raw["post_type"].(string)
	if postType != "message" {
		return
	}
	messageType, _ := raw["message_type"].(string)

	var userID int64
	switch v := raw["user_id"].(type) {
	case float64:
		userID = int64(v)
	}
	var sourceID int64
	if messageType == "group" {
		switch v := raw["group_id"].(type) {
		case float64:
			sourceID = int64(v)
		}
	} else {
		sourceID = userID
	}

	var segments []map[string]any
	if segs, ok := raw["message"].([]any); ok {
		for _, s := range segs {
			if seg, ok := s.(map[string]any); ok {
				segments = append(segments, seg)
			}
		}
	}

	text := bot.ExtractText(segments)
	if text == "" {
		if rawText, ok := raw["raw_message"].(string); ok {
			text = rawText
		}
	}

	d.Dispatch(ctx, bot.Message{
		Text:        text,
		UserID:      userID,
		MessageType: messageType,
		SourceID:    sourceID,
	})
}
