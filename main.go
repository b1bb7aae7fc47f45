package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cli "github.com/jawher/mow.cli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
	"github.com/bilbercode/rtsp-reader/pkg/reader"
)

const (
	appName = "rtsp-reader"
	appDesc = "read access units from a RTSP stream"
)

func main() {

	app := cli.App(appName, appDesc)
	app.Spec = "[OPTIONS] URL"

	streamURL := app.String(cli.StringArg{
		Name:   "URL",
		Desc:   "rtsp:// or rtsps:// stream location, credentials may be embedded",
		EnvVar: "RTSP_URL",
	})

	transportMode := app.String(cli.StringOpt{
		Name:   "transport",
		Desc:   "media transport: auto, udp or tcp",
		EnvVar: "RTSP_TRANSPORT",
		Value:  "auto",
	})

	readTimeout := app.String(cli.StringOpt{
		Name:   "read-timeout",
		Desc:   "maximum time without media before the session is restarted",
		EnvVar: "RTSP_READ_TIMEOUT",
		Value:  "10s",
	})

	keepAlive := app.String(cli.StringOpt{
		Name:   "keepalive",
		Desc:   "keep-alive interval, half the session timeout when empty",
		EnvVar: "RTSP_KEEPALIVE",
		Value:  "",
	})

	backoff := app.String(cli.StringOpt{
		Name:   "reconnect-backoff",
		Desc:   "delay before the first reconnection attempt",
		EnvVar: "RTSP_RECONNECT_BACKOFF",
		Value:  reader.DefaultReconnectBackoff.String(),
	})

	queueCapacity := app.Int(cli.IntOpt{
		Name:   "queue",
		Desc:   "number of access units buffered for the consumer",
		EnvVar: "RTSP_QUEUE_CAPACITY",
		Value:  0,
	})

	maxReconnects := app.Int(cli.IntOpt{
		Name:   "max-reconnects",
		Desc:   "consecutive failed reconnections before giving up, negative disables reconnection",
		EnvVar: "RTSP_MAX_RECONNECTS",
		Value:  reader.DefaultMaxReconnectAttempts,
	})

	metricsAddr := app.String(cli.StringOpt{
		Name:   "metrics-addr",
		Desc:   "address to serve prometheus metrics on, disabled when empty",
		EnvVar: "METRICS_ADDR",
		Value:  "",
	})

	logLevel := app.String(cli.StringOpt{
		Name:   "log-level",
		Desc:   "logrus log level",
		EnvVar: "LOG_LEVEL",
		Value:  "info",
	})

	app.Action = func() {
		level, err := log.ParseLevel(*logLevel)
		if err != nil {
			log.WithError(err).Fatal("invalid log level")
		}
		log.SetLevel(level)

		cfg := reader.Config{
			QueueCapacity:        *queueCapacity,
			MaxReconnectAttempts: *maxReconnects,
		}

		cfg.Transport, err = parseTransport(*transportMode)
		if err != nil {
			log.WithError(err).Fatal("invalid transport")
		}
		if cfg.ReadTimeout, err = parseDuration(*readTimeout); err != nil {
			log.WithError(err).Fatal("invalid read timeout")
		}
		if cfg.KeepAliveInterval, err = parseDuration(*keepAlive); err != nil {
			log.WithError(err).Fatal("invalid keep-alive interval")
		}
		if cfg.ReconnectBackoff, err = parseDuration(*backoff); err != nil {
			log.WithError(err).Fatal("invalid reconnect backoff")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := reader.Open(ctx, *streamURL, cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to open stream")
		}

		for _, t := range r.Tracks() {
			log.WithField("track", t.String()).Info("receiving")
		}

		group, ctx := errgroup.WithContext(ctx)

		if *metricsAddr != "" {
			srv := &http.Server{Addr: *metricsAddr}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv.Handler = mux

			group.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			group.Go(func() error {
				log.WithField("addr", *metricsAddr).Info("serving metrics")
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}

		group.Go(func() error {
			<-ctx.Done()
			return r.Close()
		})

		group.Go(func() error {
			defer stop()
			for {
				au, err := r.ReadUnit(ctx)
				switch {
				case errors.Is(err, liberrors.ErrStreamClosed), errors.Is(err, context.Canceled):
					return nil
				case err != nil:
					return err
				}

				log.WithFields(log.Fields{
					"media":    au.Track.Media,
					"pts":      au.PTS,
					"size":     len(au.Payload),
					"keyframe": au.Keyframe,
				}).Debug("access unit")
			}
		})

		if err := group.Wait(); err != nil {
			log.WithError(err).Fatal("stopped")
		}
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Panic("failed to execute application")
	}
}

func parseTransport(v string) (reader.Transport, error) {
	switch strings.ToLower(v) {
	case "", "auto":
		return reader.TransportAuto, nil
	case "udp":
		return reader.TransportUDP, nil
	case "tcp":
		return reader.TransportTCP, nil
	}
	return reader.TransportAuto, fmt.Errorf("unknown transport %q", v)
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}
