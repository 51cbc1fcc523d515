package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/activitypub"
	"github.com/deemkeen/herald/blocking"
	"github.com/deemkeen/herald/db"
	"github.com/deemkeen/herald/inbox"
	"github.com/deemkeen/herald/newswire"
	"github.com/deemkeen/herald/util"
	"github.com/deemkeen/herald/watchdog"
	"github.com/deemkeen/herald/web"
	"github.com/deemkeen/herald/workers"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Error("herald stopped", "err", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	dataDir    string
	logLevel   string
	newAccount string
	password   string
	admin      bool
	version    bool
}

func parseFlags() (*flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet(util.Name, pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "", "path to config.yaml (default: ./config.yaml or ~/.config/herald/config.yaml)")
	flagSet.StringVar(&f.dataDir, "data-dir", "", "override the data directory from the config")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&f.newAccount, "create-account", "", "create a local account with this nickname and exit")
	flagSet.StringVar(&f.password, "password", "", "password for --create-account (default: $HERALD_PASSWORD)")
	flagSet.BoolVar(&f.admin, "admin", false, "make the account created by --create-account an admin")
	flagSet.BoolVar(&f.version, "version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", args[0])
	}
	return &f, nil
}

func run() error {
	f, err := parseFlags()
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if f.version {
		fmt.Println(util.GetNameAndVersion())
		return nil
	}

	configPath := f.configPath
	if configPath == "" {
		configPath = util.ResolveFilePath(util.ConfigFileName)
	}
	conf, err := util.ReadConfFrom(configPath)
	if err != nil {
		return err
	}
	if f.dataDir != "" {
		conf.Conf.DataDir = f.dataDir
	}
	if f.logLevel != "" {
		conf.Conf.Log.Level = f.logLevel
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	level, err := log.ParseLevel(conf.Conf.Log.Level)
	if err != nil {
		logger.Warn("Unknown log level, using info", "level", conf.Conf.Log.Level)
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	log.SetDefault(logger)

	dataDir, err := util.ResolveDataDir(conf.Conf.DataDir)
	if err != nil {
		return err
	}
	database, err := db.Open(filepath.Join(dataDir, "herald.db"))
	if err != nil {
		return err
	}
	defer database.Close()

	if f.newAccount != "" {
		return createAccount(database, f, logger)
	}

	return serve(conf, dataDir, database, logger)
}

func createAccount(database *db.DB, f *flags, logger *log.Logger) error {
	password := f.password
	if password == "" {
		password = os.Getenv("HERALD_PASSWORD")
	}
	if password == "" {
		return errors.New("--create-account needs --password or HERALD_PASSWORD")
	}
	hash, err := util.HashPassword(password)
	if err != nil {
		return err
	}
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}
	acc, err := database.CreateAccount(f.newAccount, hash, f.admin, keys)
	if err != nil {
		return err
	}
	logger.Info("Created account", "nickname", acc.Username, "admin", acc.IsAdmin)
	return nil
}

func serve(conf *util.AppConfig, dataDir string, database *db.DB, logger *log.Logger) error {
	c := conf.Conf
	logger.Info("Starting", "version", util.GetVersion(), "domain", c.Domain, "data", dataDir)
	if !blocking.OpenFederation(c.Federation.AllowList) {
		logger.Info("Federating with allow-listed domains only", "domains", c.Federation.AllowList)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filter, err := blocking.New(database, c.Blocklist.RefreshEvery, logger)
	if err != nil {
		return err
	}

	userAgent := util.UserAgent(c.Domain)
	iris := activitypub.IRIs{BaseURL: conf.BaseURL()}

	fetcher := activitypub.NewFetcher(userAgent)
	resolver := activitypub.NewWebfingerResolver(fetcher, logger)
	keyStore, err := activitypub.OpenKeyStore(filepath.Join(dataDir, "keys"))
	if err != nil {
		return err
	}
	defer keyStore.Close()
	keys := activitypub.NewKeyCache(fetcher, resolver, keyStore, logger)
	verifier := activitypub.NewSignatureVerifier(keys, filter, c.Federation.AllowList, logger)

	sendTimeout := time.Duration(c.Outbox.SendThreadsTimeoutMins) * time.Minute
	pool := activitypub.NewSendPool(activitypub.NewSender(userAgent, 30*time.Second), sendTimeout, logger)
	courier := activitypub.NewCourier(database, keys, filter, pool, iris, activitypub.CourierOptions{
		MaxConcurrentSends: c.Outbox.MaxConcurrentSends,
		DormantAfter:       time.Duration(c.Outbox.DormantMonths) * 30 * 24 * time.Hour,
	}, logger)
	dispatcher := activitypub.NewDispatcher(ctx, courier, activitypub.DispatcherOptions{
		Grace:   time.Duration(c.Outbox.GraceSeconds) * time.Second,
		Abandon: time.Duration(c.Outbox.AbandonSeconds) * time.Second,
	}, logger)
	retry := activitypub.NewRetryWorker(database, pool, iris, time.Minute, logger)

	processor := activitypub.NewInboxProcessor(database, keys, filter, dispatcher, iris, logger)
	queue, err := inbox.New(inbox.Options{
		Dir:                   filepath.Join(dataDir, "queue"),
		MaxLength:             c.Inbox.MaxQueueLength,
		DomainMaxPostsPerDay:  c.Inbox.DomainMaxPostsPerDay,
		AccountMaxPostsPerDay: c.Inbox.AccountMaxPostsPerDay,
	}, filter, logger)
	if err != nil {
		return err
	}

	wire, err := newswire.New(newswire.Options{
		Feeds:             c.Newswire.Feeds,
		MaxPosts:          c.Newswire.MaxPosts,
		MaxPostsPerSource: c.Newswire.MaxPostsPerSource,
		MaxFeedBytes:      int64(c.Newswire.MaxFeedSizeKb) * 1024,
		Interval:          time.Duration(c.Newswire.IntervalMinutes) * time.Minute,
		Path:              filepath.Join(dataDir, "newswire.json"),
		UserAgent:         userAgent,
	}, logger)
	if err != nil {
		return err
	}

	scheduler := workers.NewScheduledPostRunner(database, dispatcher, time.Minute, logger)
	shares := workers.NewSharesExpiryRunner(database, time.Hour, logger)

	poll := time.Duration(c.Watchdog.PollSeconds) * time.Second
	supervisor := watchdog.New(logger)
	for _, w := range []struct {
		name    string
		poll    time.Duration
		factory watchdog.Factory
	}{
		{"inbox-queue", poll, func(ctx context.Context) error { return queue.Run(ctx, processor) }},
		{"scheduled-posts", poll, scheduler.Run},
		{"delivery-retry", poll, retry.Run},
		{"newswire", poll, wire.Run},
		{"shares-expiry", time.Duration(c.Watchdog.SharesPollSeconds) * time.Second, shares.Run},
	} {
		if err := supervisor.Register(w.name, w.poll, w.factory); err != nil {
			return err
		}
	}

	server := web.NewServer(web.Options{
		DB:                 database,
		IRIs:               iris,
		Domain:             c.Domain,
		Verifier:           verifier,
		Queue:              queue,
		Outbox:             dispatcher,
		Blocks:             filter,
		Keys:               keys,
		Newswire:           wire,
		Health:             supervisor,
		AuthenticatedFetch: c.Federation.AuthenticatedFetch,
		MaxBodyBytes:       c.Inbox.MaxPostBodyBytes,
	}, logger)

	supervised := make(chan error, 1)
	go func() { supervised <- supervisor.Run(ctx) }()

	err = server.Run(ctx, fmt.Sprintf("%s:%d", c.Host, c.HttpPort))
	stop()
	if supErr := <-supervised; supErr != nil && !errors.Is(supErr, context.Canceled) {
		logger.Warn("Watchdog stopped with error", "err", supErr)
	}

	drained := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn("Gave up waiting for outbound deliveries")
	}
	logger.Info("Stopped")
	return err
}
