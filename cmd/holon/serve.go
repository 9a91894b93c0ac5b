package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"holon/internal/app"
	"holon/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath, devToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the review API server",
		Long: `Serves the review and ledger API. Bearer tokens are HS256 JWTs signed with
HOLON_JWT_SECRET; the sub claim is the reviewer and decisions need the
intent.review permission. Configured webhooks receive review events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("HOLON_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if devToken != "" {
					tok, err := server.IssueToken(secret, devToken, []string{server.PermReview}, 24*time.Hour)
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "dev token for %s (24h):\n%s\n", devToken, tok)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Log:      a.Log,
				})
				if err != nil {
					return err
				}
				if d := server.StartWebhooks(ctx, a.Engine, a.Log); d != nil {
					a.Log.Info("webhooks enabled", zap.Int("hooks", len(a.Config.Webhooks)))
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Holon API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&devToken, "dev-token", "", "print a reviewer token for this subject on startup")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env HOLON_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
