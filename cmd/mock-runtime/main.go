// Package main implements a stand-in for the external runtime. It binds an
// ephemeral port, announces it on stdout the way the real runtime does and
// serves GET /config for readiness probes. Use it as runtime.interpreter for
// local runs and e2e tests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/common/logger"
)

var (
	hostFlag       = flag.String("host", "127.0.0.1", "Address to bind")
	versionFlag    = flag.String("version", "mock-1", "Version reported by /config")
	readyAfterFlag = flag.Duration("ready-after", 0, "Serve /config without the version key until this much time has passed")
	exitAfterFlag  = flag.Duration("exit-after", 0, "Exit with status 1 after this long (0 = never)")
	noiseFlag      = flag.Duration("noise", 0, "Print an access-log style line at this interval (0 = off)")
	distDirEnvFlag = flag.String("dist-dir-env", "RUNTIMED_DIST_DIR", "Environment variable holding the distribution directory")
)

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "info",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-runtime: %v\n", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(*hostFlag, "0"))
	if err != nil {
		log.Error("listen failed", zap.Error(err))
		os.Exit(1)
	}

	started := time.Now()
	entry := flag.Arg(0)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/config", func(c *gin.Context) {
		body := gin.H{
			"entry":    entry,
			"dist_dir": os.Getenv(*distDirEnvFlag),
			"pid":      os.Getpid(),
		}
		if time.Since(started) >= *readyAfterFlag {
			body["version"] = *versionFlag
		}
		c.JSON(http.StatusOK, body)
	})

	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	fmt.Printf("Server listening on http://%s:%d\n", *hostFlag, addr.Port)

	if *noiseFlag > 0 {
		go func() {
			for range time.Tick(*noiseFlag) {
				fmt.Printf("GET /config 200 %dms\n", time.Since(started).Milliseconds()%7)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var crash <-chan time.Time
	if *exitAfterFlag > 0 {
		crash = time.After(*exitAfterFlag)
	}

	select {
	case <-quit:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		fmt.Println("mock-runtime stopped")
	case <-crash:
		fmt.Fprintln(os.Stderr, "Error: mock-runtime simulated crash")
		os.Exit(1)
	}
}
