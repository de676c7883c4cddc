package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/bluegreen/internal/progress"
	"github.com/splax/bluegreen/internal/relay"
	"github.com/splax/bluegreen/internal/snapshot"
	"github.com/splax/bluegreen/internal/stream"
)

const saveTimeout = 5 * time.Second

var (
	errDeploymentFailed = errors.New("deployment failed")
	errWatchInterrupted = errors.New("watch interrupted before the deployment finished")
)

// timelines opens the timeline store. Without Redis, timelines are files next
// to the config file.
func (a *app) timelines() snapshot.Store {
	return snapshot.Open(snapshot.Options{
		Addr:     a.env.SnapshotAddr,
		Password: a.env.SnapshotPassword,
		DB:       a.env.SnapshotDB,
		TTL:      a.env.SnapshotTTL,
		Dir:      filepath.Join(filepath.Dir(a.configPath), "timelines"),
		Logger:   a.logger,
	})
}

// watch follows deploymentID until it finishes or ctx is cancelled, prints
// progress as it arrives and saves the final timeline.
func (a *app) watch(ctx context.Context, deploymentID string) (progress.Progress, error) {
	reg := prometheus.NewRegistry()
	client, err := stream.New(stream.Config{
		BaseURL:       a.baseURL(),
		HTTPClient:    &http.Client{},
		MaxAttempts:   a.env.MaxAttempts,
		Watchdog:      a.env.Watchdog,
		RetryDelay:    a.env.RetryDelay,
		MaxRetryDelay: a.env.MaxRetryDelay,
		Logger:        a.logger,
		Metrics:       stream.NewMetrics(reg),
	})
	if err != nil {
		return progress.Progress{}, err
	}
	defer client.Close()

	printer := newProgressPrinter(a.out)
	unsubscribe := client.Progress().Subscribe(printer.update)
	defer unsubscribe()

	if addr := firstNonBlank(a.relayAddr, a.env.RelayAddr); addr != "" {
		stopRelay := a.startRelay(ctx, addr, reg, client)
		defer stopRelay()
	}

	conn, err := client.Open(ctx, deploymentID)
	if err != nil {
		return progress.Progress{}, err
	}
	fmt.Fprintln(a.out, infoMsg("watching %s", boldStyle.Render(deploymentID)))

	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
	}

	final := client.Progress().Snapshot()
	for _, d := range conn.Diagnostics() {
		a.logger.Debug("stream diagnostic", "kind", d.Kind, "detail", d.Detail, "payload", d.Payload)
	}
	a.saveTimeline(final)

	a.file.LastDeploymentID = deploymentID
	if err := a.save(); err != nil {
		a.logger.Warn("remember deployment failed", "error", err)
	}

	fmt.Fprintln(a.out, summary(final))
	switch {
	case final.IsComplete && final.HasError:
		return final, fmt.Errorf("%w: %s", errDeploymentFailed, deploymentID)
	case !final.IsComplete:
		return final, errWatchInterrupted
	}
	return final, nil
}

// startRelay serves the followed progress to dashboards until the returned
// function is called.
func (a *app) startRelay(ctx context.Context, addr string, reg *prometheus.Registry, client *stream.Client) func() {
	relayCtx, cancel := context.WithCancel(ctx)
	srv := relay.NewServer(relay.Config{
		Logger:   a.logger,
		Gatherer: reg,
		Metrics:  relay.NewMetrics(reg),
		Health: func(context.Context) error {
			conn := client.Current()
			if conn == nil {
				return errors.New("no deployment followed")
			}
			if state := conn.State(); state != stream.StateOpen {
				return fmt.Errorf("stream %s", state)
			}
			return nil
		},
	})
	unsubscribe := client.Progress().Subscribe(srv.Publish)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(relayCtx, addr); err != nil {
			a.logger.Error("relay server failed", "addr", addr, "error", err)
		}
	}()
	fmt.Fprintln(a.out, infoMsg("relaying progress on %s", boldStyle.Render(addr)))
	return func() {
		unsubscribe()
		cancel()
		<-done
	}
}

func (a *app) saveTimeline(p progress.Progress) {
	if p.DeploymentID == "" {
		return
	}
	store := a.timelines()
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := store.Save(ctx, p); err != nil {
		a.logger.Warn("save timeline failed", "deployment_id", p.DeploymentID, "error", err)
	}
}
