package main

import (
	"context"
	"errors"
	"os"

	"github.com/MonteCarloClub/powminer/hashengine"
	"github.com/MonteCarloClub/powminer/log"
	"github.com/MonteCarloClub/powminer/mining"
	"github.com/MonteCarloClub/powminer/mining/cpuminer"
	"github.com/MonteCarloClub/powminer/poolclient"
	"github.com/MonteCarloClub/powminer/stats"
)

var cfg *config

// powminerMain is the real main function for powminer.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.  Faults raised by other goroutines after startup are handed to
// boundary, which exits the process itself.
func powminerMain(boundary *failureBoundary) error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer log.Close()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	interrupt := interruptListener()
	defer log.PwmrLog.Info("Shutdown complete")

	// Show version at startup.
	log.PwmrLog.Infof("Version %s", version())
	log.PwmrLog.Debugf("Pool %s as %s (rig %s), cores %v", cfg.Pool.Address,
		cfg.Pool.Login, cfg.Pool.RigID, cfg.Cores)

	policy := hashengine.RequireFast
	if cfg.AllowSlowMem {
		log.PwmrLog.Info("Slow memory allowed")
		policy = hashengine.AllowSlow
	}
	if _, err := hashengine.CheckPolicy(policy); err != nil {
		log.PwmrLog.Errorf("%v: enable huge pages or pass "+
			"--allow-slow-mem", err)
		return err
	}

	jobs := mining.NewJobState()
	client, err := poolclient.New(&poolclient.ConnConfig{
		Address:   cfg.Pool.Address,
		Login:     cfg.Pool.Login,
		Pass:      cfg.Pool.Pass,
		Agent:     userAgent(),
		RigID:     cfg.Pool.RigID,
		Algo:      cfg.Pool.Algo,
		Keepalive: cfg.Pool.Keepalive,
		Proxy:     cfg.Pool.Proxy,
		ProxyUser: cfg.Pool.ProxyUser,
		ProxyPass: cfg.Pool.ProxyPass,
		OnFault:   boundary.Fatal,
	}, &poolclient.NotificationHandlers{
		OnJob: func(job *mining.Job) {
			published := jobs.Replace(job)
			log.PwmrLog.Debugf("Published %v", published)
		},
	})
	if err != nil {
		log.PwmrLog.Errorf("Unable to start pool client: %v", err)
		return err
	}
	defer func() {
		log.PwmrLog.Infof("Gracefully shutting down the pool client...")
		client.Shutdown()
		client.WaitForShutdown()
	}()

	// Return now if an interrupt signal was triggered while logging in.
	if interruptRequested(interrupt) {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	miner := cpuminer.New(&cpuminer.Config{
		Cores:       cfg.Cores,
		AllocPolicy: policy,
		Jobs:        jobs,
		Submitter:   client,
		Fatal:       boundary.Fatal,
	})
	counters, err := miner.Start(ctx)
	if err != nil {
		log.PwmrLog.Errorf("Unable to start mining workers: %v", err)
		return err
	}
	defer func() {
		log.PwmrLog.Infof("Gracefully shutting down the mining workers...")
		cancel()
		miner.WaitForShutdown()
	}()
	log.PwmrLog.Infof("Started %d mining workers", miner.NumWorkers())

	if cfg.MetricsListen != "" {
		srv, err := startMetricsServer(cfg.MetricsListen, counters, client,
			boundary)
		if err != nil {
			log.PwmrLog.Errorf("Unable to start metrics server: %v", err)
			return err
		}
		defer srv.Close()
	}

	go func() {
		defer boundary.Recover("interrupt handler")
		<-interrupt
		cancel()
	}()

	var trigger stats.Trigger
	if cfg.StatsInterval > 0 {
		ticker := stats.NewTickerTrigger(cfg.StatsInterval)
		defer ticker.Stop()
		trigger = ticker
	} else {
		trigger = stats.NewLineTrigger(os.Stdin, boundary.Fatal)
	}

	reporter := stats.NewReporter(counters, os.Stdout)
	err = reporter.Run(ctx, trigger)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.PwmrLog.Errorf("Unable to report worker stats: %v", err)
		return err
	}

	// Stats input ended; keep mining until interrupted.
	<-ctx.Done()
	return nil
}

func main() {
	boundary := newFailureBoundary()
	defer boundary.Recover("main")

	// Work around defer not working after os.Exit()
	if err := powminerMain(boundary); err != nil {
		os.Exit(1)
	}
}
