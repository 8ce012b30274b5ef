// loxone2mqtt bridges a Loxone Miniserver to an MQTT broker.
//
// Every control of the Miniserver structure file is published as a retained
// status topic under <name>/status/<room>/<category>/<control>, and commands
// published on <name>/set/<path>/cmd are forwarded to the Miniserver.
//
// Usage:
//
//	loxone2mqtt                    run the bridge
//	loxone2mqtt token [-subject s] print a diagnostics API bearer token
//	loxone2mqtt version            print build information
//
// The configuration file is read from $LOXONE2MQTT_CONFIG, or
// configs/config.yaml by default.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/loxone2mqtt/internal/adaptor"
	"github.com/nerrad567/loxone2mqtt/internal/api"
	"github.com/nerrad567/loxone2mqtt/internal/bridge"
	"github.com/nerrad567/loxone2mqtt/internal/history"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/config"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/database"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/loxone2mqtt/internal/miniserver"
	"github.com/nerrad567/loxone2mqtt/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// startupCheckTimeout bounds the health check run once everything is wired.
const startupCheckTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			if err := tokenCommand(os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "version":
			fmt.Printf("loxone2mqtt %s (commit %s, built %s)\n", version, commit, date)
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, blocks until ctx is cancelled and then shuts
// down in reverse order through the deferred calls.
//
// Parameters:
//   - ctx: Cancelled on SIGINT, SIGTERM or SIGHUP
//
// Returns:
//   - error: nil on clean shutdown, or the first startup failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // composition root: linear wiring of optional components
	log := logging.Default()
	log.Info("starting loxone2mqtt", "version", version, "commit", commit, "build_date", date)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "bridge", cfg.Bridge.Name, "level", cfg.Logging.Level)

	topics := mqtt.Topics{Root: cfg.Bridge.Name}

	mqttClient, err := mqtt.Connect(cfg.MQTT, topics)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT session established") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	var (
		sinks    []bridge.StateSink
		checks   []namedCheck
		historyR *history.Repository
	)
	checks = append(checks, namedCheck{"mqtt", mqttClient})

	if cfg.History.Enabled {
		db, openErr := database.Open(ctx, cfg.History)
		if openErr != nil {
			return fmt.Errorf("opening history database: %w", openErr)
		}
		defer func() {
			log.Info("closing history database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing history database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		historyR = history.NewRepository(db.DB)
		historyR.SetLogger(log.Component("history"))
		go historyR.RunPruner(ctx, cfg.PruneInterval(), cfg.HistoryRetention())

		sinks = append(sinks, historyR)
		checks = append(checks, namedCheck{"history", db})
		log.Info("state history enabled", "path", db.Path(), "retention", cfg.HistoryRetention())
	}

	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		sinks = append(sinks, influxSink(influxClient))
		checks = append(checks, namedCheck{"influxdb", influxClient})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)
	}

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.API.WebSocket, log)
		go hub.Run(ctx)
		sinks = append(sinks, hub)
	}

	msClient, err := miniserver.New(miniserver.Config{
		Host:                 cfg.Miniserver.Host,
		Port:                 cfg.Miniserver.Port,
		TLS:                  cfg.Miniserver.TLS,
		Username:             cfg.Miniserver.Username,
		Password:             cfg.Miniserver.Password,
		KeepaliveInterval:    cfg.KeepaliveInterval(),
		ReconnectInterval:    time.Duration(cfg.Miniserver.Reconnect.InitialDelay) * time.Second,
		MaxReconnectInterval: time.Duration(cfg.Miniserver.Reconnect.MaxDelay) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("creating miniserver client: %w", err)
	}
	msClient.SetLogger(log.Component("miniserver"))

	br, err := bridge.New(bridge.Options{
		MQTT:           mqttClient,
		Miniserver:     msClient,
		Topics:         topics,
		QoS:            byte(cfg.MQTT.QoS),
		CommandTimeout: cfg.CommandTimeout(),
		Sinks:          sinks,
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if startErr := br.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer br.Stop()
	log.Info("bridge started", "miniserver", msClient.URL(), "sinks", len(sinks))

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Bridge:  br,
			Hub:     hub,
			Version: version,
		}
		if historyR != nil {
			deps.History = historyR
		}
		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		checks = append(checks, namedCheck{"api", apiServer})
		if cfg.API.Security.JWTSecret == "" {
			log.Warn("diagnostics API has no jwt_secret; all routes are unauthenticated")
		}
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, startupCheckTimeout)
	err = healthCheck(checkCtx, checks)
	cancelCheck()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, bridge, InfluxDB, history, MQTT.
	// MQTT goes last so its graceful close publishes connected=0.
	return nil
}

// influxSink adapts the InfluxDB writer to the bridge. Updates without a
// derivable value are skipped.
func influxSink(c *influxdb.Client) bridge.StateSink {
	return bridge.SinkFunc(func(_ context.Context, u adaptor.StateUpdate) error {
		if !u.HasValue {
			return nil
		}
		c.WriteState(u.Path, u.ControlID, u.Record.Val, time.Unix(u.Record.TS, 0))
		return nil
	})
}

// healthChecker is implemented by every long-lived infrastructure component.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type namedCheck struct {
	name    string
	checker healthChecker
}

// healthCheck runs every check and returns the first failure.
func healthCheck(ctx context.Context, checks []namedCheck) error {
	for _, c := range checks {
		if err := c.checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// tokenCommand prints a bearer token for the diagnostics API, signed with
// the configured api.security.jwt_secret.
func tokenCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "operator", "token subject, logged with each API request")
	ttl := fs.Duration("ttl", 0, "token lifetime (default api.security.token_ttl; negative for no expiry)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.API.Security.JWTSecret == "" {
		return errors.New("api.security.jwt_secret is not set; the API does not require tokens")
	}

	lifetime := *ttl
	switch {
	case lifetime == 0:
		lifetime = cfg.TokenTTL()
	case lifetime < 0:
		lifetime = 0
	}

	token, err := api.GenerateToken(cfg.API.Security.JWTSecret, *subject, lifetime, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
