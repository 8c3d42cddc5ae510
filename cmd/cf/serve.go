package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"civicflow/internal/app"
	"civicflow/internal/config"
	"civicflow/internal/notify"
	"civicflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var transitionRate int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CIVICFLOW_JWT_SECRET is required for bearer auth")
			}
			log := newLogger()
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.Open(ctx, viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer rt.Close()

			handler, err := server.New(server.Config{
				Engine:         rt.Engine,
				BasePath:       basePath,
				Auth:           server.AuthConfig{JWTSecret: secret},
				Logger:         log,
				Metrics:        rt.Metrics,
				TransitionRate: transitionRate,
				Production:     viper.GetString("env") == "production",
			})
			if err != nil {
				return err
			}
			publisher, closePublisher, err := buildPublisher(ctx, rt.Config.Notifications, log)
			if err != nil {
				return err
			}
			defer closePublisher()
			relay := notify.Relay{
				Outbox:    rt.Engine.Outbox,
				Publisher: publisher,
				Logger:    log,
				Metrics:   rt.Metrics,
				Interval:  rt.Config.Notifications.RelayInterval(),
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return relay.Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				log.Info("serving civicflow API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("openapi", basePath+"/openapi.json"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().IntVar(&transitionRate, "transition-rate", 30, "transition requests per actor per minute")
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Notification outbox"}
	n.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Publish pending notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()
			rt, err := app.Open(cmd.Context(), viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer rt.Close()
			publisher, closePublisher, err := buildPublisher(cmd.Context(), rt.Config.Notifications, log)
			if err != nil {
				return err
			}
			defer closePublisher()
			relay := notify.Relay{Outbox: rt.Engine.Outbox, Publisher: publisher, Logger: log}
			total := 0
			for {
				sent, err := relay.Drain(cmd.Context())
				total += sent
				if err != nil {
					return fmt.Errorf("drained %d before failure: %w", total, err)
				}
				if sent == 0 {
					break
				}
			}
			fmt.Printf("published %d notifications\n", total)
			return nil
		},
	})
	return n
}

// buildPublisher always logs and adds Redis and webhook transports when
// configured.
func buildPublisher(ctx context.Context, cfg config.Notifications, log *zap.Logger) (notify.Publisher, func(), error) {
	pubs := notify.Fanout{notify.LogPublisher{Logger: log}}
	closeFn := func() {}
	if cfg.RedisAddr != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() { client.Close() }
		pubs = append(pubs, notify.RedisPublisher{Client: client, Channel: cfg.Channel})
	}
	if cfg.WebhookURL != "" {
		pubs = append(pubs, notify.WebhookPublisher{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret})
	}
	return pubs, closeFn, nil
}
