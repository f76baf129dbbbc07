package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/DavidGamba/go-getoptions"
	"github.com/actuallyroy/audit-notifier/api"
	"github.com/actuallyroy/audit-notifier/broadcast"
	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/dispatch"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/handlerset"
	"github.com/actuallyroy/audit-notifier/hub"
	"github.com/actuallyroy/audit-notifier/identity"
	"github.com/actuallyroy/audit-notifier/notifications"
	"github.com/actuallyroy/audit-notifier/providers"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = common.Log.WithFields(logrus.Fields{"package": "main"})

// shutdownTimeout bounds how long in-flight HTTP requests get to finish.
const shutdownTimeout = 15 * time.Second

// commandLineOptionValues represents the values of the command-line options that were passed on the command line when
// this service was invoked.
type commandLineOptionValues struct {
	Config  string
	EnvFile string
}

func parseCommandLine() *commandLineOptionValues {
	optionValues := &commandLineOptionValues{}
	opt := getoptions.New()

	// Default option values.
	defaultConfigPath := "/etc/audit-notifier/notifier.yml"
	defaultEnvFile := ".env"

	// Define the command-line options.
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&optionValues.Config, "config", defaultConfigPath,
		opt.Alias("c"),
		opt.Description("the path to the configuration file"))
	opt.StringVar(&optionValues.EnvFile, "env-file", defaultEnvFile,
		opt.Alias("e"),
		opt.Description("an optional dotenv file holding environment overrides"))

	// Parse the command line, handling requests for help and usage errors.
	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprint(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}

	return optionValues
}

// initStore opens the store named by the database driver. The in-memory store needs no URI and
// returns a nil database handle.
func initStore(ctx context.Context, settings common.DBSettings) (db.Store, *sql.DB, error) {
	if settings.Driver == common.DriverMemory {
		log.Warn("the memory driver is configured; notifications will not survive a restart")
		return db.NewMemoryStore(), nil, nil
	}

	conn, err := db.InitDatabase(settings.Driver, settings.URI)
	if err != nil {
		return nil, nil, err
	}

	if settings.Migrate {
		if err := db.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}

	return db.NewPostgresStore(conn), conn, nil
}

// messaging holds the broker resources owned by the process.
type messaging struct {
	connection *handlerset.Connection
	handlerSet *handlerset.HandlerSet
	dispatcher dispatch.Dispatcher
}

func (m *messaging) Close() {
	if m.handlerSet != nil {
		m.handlerSet.Close()
	}
	if m.connection != nil {
		if err := m.connection.Close(); err != nil {
			log.WithError(err).Warn("unable to close the AMQP connection")
		}
	}
}

// initMessaging connects to the broker, builds the channel providers and returns the publisher
// along with the handler set that consumes the channel queues.
func initMessaging(ctx context.Context, cfg *common.Config, store db.Store) (*messaging, error) {
	wrapMsg := "unable to initialize messaging"

	if !cfg.AMQP.Enabled {
		log.Warn("AMQP is disabled; email, sms and push notifications will not be delivered")
		return &messaging{dispatcher: dispatch.NullDispatcher{}}, nil
	}

	// Connect to the broker.
	connection, err := handlerset.Connect(cfg.AMQP.URI)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	m := &messaging{connection: connection}

	// Build the providers for the queued channels.
	clients, err := providers.NewClients(ctx, cfg.AWS.Region)
	if err != nil {
		m.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}
	handlerFor := handlers.InitMessageHandlers(
		providers.NewEmailProvider(clients.SES, cfg.AWS.SES),
		providers.NewSMSProvider(clients.SNS, cfg.AWS.SNS),
		providers.NewPushProvider(clients.SNS, cfg.AWS.SNS),
	)

	// Consumers and publishers use separate channels so that flow control on one does not stall
	// the other.
	consumeChannel, err := connection.Channel()
	if err != nil {
		m.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}
	m.handlerSet, err = handlerset.New(consumeChannel, cfg.AMQP, store, handlerFor)
	if err != nil {
		consumeChannel.Close()
		m.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}

	publishChannel, err := connection.Channel()
	if err != nil {
		m.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}
	m.dispatcher = dispatch.New(publishChannel, cfg.AMQP.Exchange.Name)

	return m, nil
}

// initBroadcaster returns the Redis backplane when it is enabled and the local hub otherwise.
func initBroadcaster(settings common.RedisSettings, h *hub.Hub) (hub.Broadcaster, *hub.Backplane, *redis.Client) {
	if !settings.Enabled {
		return h, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     settings.Address,
		Password: settings.Password,
		DB:       settings.DB,
	})
	backplane := hub.NewBackplane(client, settings.Channel, h)
	return backplane, backplane, client
}

func main() {
	// Parse the command-line.
	optionValues := parseCommandLine()

	// Pick up environment overrides from the dotenv file if there is one.
	if err := godotenv.Load(optionValues.EnvFile); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Fatal("unable to load the environment file")
	}

	// Read in the configuration file.
	cfg, err := common.LoadConfig(optionValues.Config)
	if err != nil {
		log.Fatal(err)
	}

	// Initialize logging.
	if err := common.InitLogging(cfg.Log); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the notification store.
	store, conn, err := initStore(ctx, cfg.DB)
	if err != nil {
		log.Fatal(err)
	}
	if conn != nil {
		defer conn.Close()
	}

	// Connect to the broker.
	m, err := initMessaging(ctx, cfg, store)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	// Wire the service, the hub and the broadcaster together.
	service := notifications.NewService(store, m.dispatcher)
	h := hub.New(service, cfg.Hub)
	broadcaster, backplane, redisClient := initBroadcaster(cfg.Redis, h)
	if redisClient != nil {
		defer redisClient.Close()
	}
	service.SetPusher(broadcaster)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.WithField("worker", name).Info("stopped")
		}()
	}

	// Start the background workers.
	if backplane != nil {
		run("backplane", func(ctx context.Context) {
			if err := backplane.Run(ctx); err != nil {
				log.WithError(err).Error("the broadcast backplane stopped")
				stop()
			}
		})
	}
	if m.handlerSet != nil {
		run("consumers", func(ctx context.Context) {
			if err := m.handlerSet.Listen(ctx); err != nil {
				log.WithError(err).Error("the message consumers stopped")
				stop()
			}
		})
		run("amqp-monitor", func(ctx context.Context) {
			select {
			case <-ctx.Done():
			case amqpErr := <-m.connection.NotifyClose():
				log.WithField("reason", amqpErr).Error("the AMQP connection was closed")
				stop()
			}
		})
	}
	run("poller", broadcast.NewPoller(store, broadcaster, cfg.Poller).Run)
	run("maintenance", broadcast.NewMaintenance(service, cfg.Maintenance).Run)
	run("heartbeat", h.RunHeartbeat)

	// Serve the REST API and the hub.
	server := &http.Server{
		Addr:              cfg.Hub.Listen,
		Handler:           api.NewHandler(service, h, identity.NewVerifier(cfg.JWT)).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("listen", cfg.Hub.Listen).Info("serving requests")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("the HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("unable to shut the HTTP server down cleanly")
	}

	wg.Wait()
}
