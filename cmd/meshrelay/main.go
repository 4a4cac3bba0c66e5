// Command meshrelay runs the mesh sync relay: it binds a TCP listener and
// brokers hot-sync events, check-out queues, and key-range allocation
// between every connected peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nilsson/meshdb"
	"github.com/nilsson/meshdb/syncrelay"
)

const listenAddr = "0.0.0.0:7070"

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf(format, args...)
		log.Fatalf("%s: %s", msg, err)
	}
}

func usage() {
	log.Println("usage: meshrelay dbdir")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		usage()
	}

	logger := logrus.New()
	lvl, err := logrus.ParseLevel(os.Getenv("MESHDB_LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	dbPath := filepath.Join(args[0], "meshdb.bolt")
	db, err := meshdb.Open(dbPath, "relay")
	if err != nil {
		logger.WithError(err).Error("opening store")
		os.Exit(1)
	}
	defer db.Close()

	registry, err := meshdb.NewRawRegistry(db)
	xcheckf(err, "building tree registry")

	relay := syncrelay.New(db, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: listenAddr, Handler: relay}
	errc := make(chan error, 1)
	go func() {
		logger.WithField("addr", listenAddr).Info("listening")
		errc <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := server.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Error("shutdown")
			os.Exit(1)
		}
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("listen")
			os.Exit(1)
		}
	}
}
