package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"deptrack/internal/app"
	"deptrack/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret: viper.GetString("jwt-secret"),
				JWTIssuer: viper.GetString("jwt-issuer"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DEPTRACK_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, ac *app.Context) error {
				if !cmd.Flags().Changed("addr") && ac.Config.Server.Addr != "" {
					addr = ac.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && ac.Config.Server.BasePath != "" {
					basePath = ac.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   ac.Engine,
					Repo:     ac.Repo,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      ac.Log,
				})
				if err != nil {
					return err
				}
				if d := server.NewDispatcher(ac.Repo, ac.Config.Webhooks, ac.Log); d != nil {
					d.Start()
					defer d.Stop()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				ac.Log.Info("serving deptrack API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("openapi", basePath+"/openapi.json"),
					zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}
