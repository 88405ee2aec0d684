package webapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"evidence-custody/internal/app"
)

// Run 启动 HTTP API，ctx 取消时优雅退出。
func Run(ctx context.Context, rt *app.Runtime, listenAddr string) error {
	if listenAddr == "" {
		listenAddr = app.DefaultConfig().ListenAddr
	}
	s := NewServer(rt)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	rt.Logger.Info("webapp listening", "addr", listenAddr)
	fmt.Printf("webapp listening: http://%s\n", listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
