package main

import (
    "context"
    "errors"
    "flag"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "sync"
    "syscall"
    "time"

    "github.com/nats-io/nats.go"
    "github.com/rs/zerolog/log"

    "github.com/robot-link/robot-link-server/internal/api"
    "github.com/robot-link/robot-link-server/internal/audit"
    "github.com/robot-link/robot-link-server/internal/auth"
    "github.com/robot-link/robot-link-server/internal/clock"
    "github.com/robot-link/robot-link-server/internal/config"
    "github.com/robot-link/robot-link-server/internal/gateway"
    "github.com/robot-link/robot-link-server/internal/heartbeat"
    "github.com/robot-link/robot-link-server/internal/integration"
    "github.com/robot-link/robot-link-server/internal/registry"
    "github.com/robot-link/robot-link-server/internal/server"
    "github.com/robot-link/robot-link-server/internal/storage"
    "github.com/robot-link/robot-link-server/pkg/crypto"
    "github.com/robot-link/robot-link-server/pkg/protocol"
)

func main() {
    // Command line flags
    var configFile, issueRobot, issueRole string
    var issuePrincipal int64
    var newStatic bool
    flag.StringVar(&configFile, "config", "config/robot-server.yml", "Configuration file path")
    flag.StringVar(&issueRobot, "issue-token", "", "Print a JWT for the given robot ID (or \"-\" for an unbound token) and exit")
    flag.StringVar(&issueRole, "role", "robot", "Role of the issued token")
    flag.Int64Var(&issuePrincipal, "principal", 1, "Principal ID of the issued token")
    flag.BoolVar(&newStatic, "new-static-token", false, "Print a random token and its bcrypt hash for auth.tokens and exit")
    flag.Parse()

    if newStatic {
        token, hash, err := crypto.NewToken()
        if err != nil {
            fmt.Fprintf(os.Stderr, "new token: %v\n", err)
            os.Exit(1)
        }
        fmt.Printf("token:      %s\ntoken_hash: %s\n", token, hash)
        return
    }

    // Load configuration
    cfg, err := config.Load(configFile)
    if err != nil {
        fmt.Fprintf(os.Stderr, "load config: %v\n", err)
        os.Exit(1)
    }
    cfg.Log.Apply()

    if issueRobot != "" {
        issueToken(cfg, issueRobot, issueRole, issuePrincipal)
        return
    }

    cfg.PrintConfigSummary()

    verifier, err := auth.NewVerifier(cfg)
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to create identity verifier")
    }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    clk := clock.Real()
    var observers []registry.Option

    // Optional: session history
    var store storage.Store
    var recorder *audit.Recorder
    if cfg.Database.DSN != "" {
        pg, err := storage.NewPostgresStore(ctx, cfg.Database)
        if err != nil {
            log.Fatal().Err(err).Msg("Failed to connect to database")
        }
        defer pg.Close()
        store = pg
        log.Info().Msg("Connected to database")

        if n, err := pg.CloseDanglingSessions(ctx, time.Now(), protocol.ReasonServerShutdown); err != nil {
            log.Warn().Err(err).Msg("Failed to close dangling session records")
        } else if n > 0 {
            log.Info().Int64("sessions", n).Msg("Closed session records left by previous run")
        }

        recorder = audit.NewRecorder(store, 5*time.Second)
        observers = append(observers, registry.WithObserver(recorder))
    } else {
        log.Info().Msg("Database not configured, session history disabled")
    }

    // Optional: NATS
    var nc *nats.Conn
    if cfg.NATS.URL != "" {
        log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")
        nc, err = nats.Connect(cfg.NATS.URL,
            nats.Name(cfg.NATS.ClientID),
            nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
            nats.ReconnectWait(cfg.NATS.ReconnectInterval),
            nats.MaxReconnects(cfg.NATS.MaxReconnects),
            nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
                log.Warn().Err(err).Msg("Disconnected from NATS")
            }),
            nats.ReconnectHandler(func(nc *nats.Conn) {
                log.Info().Msg("Reconnected to NATS")
            }),
            nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
                ev := log.Error().Err(err)
                if sub != nil {
                    ev = ev.Str("subject", sub.Subject)
                }
                ev.Msg("NATS error")
            }),
        )
        if err != nil {
            log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
            nc = nil
        } else {
            defer nc.Close()
            log.Info().Msg("Connected to NATS")
        }
    } else {
        log.Info().Msg("NATS not configured")
    }

    // Bus fan-out
    var fwdOpts []integration.Option
    if nc != nil {
        fwdOpts = append(fwdOpts, integration.WithNATS(nc, cfg.NATS.SubjectPrefix))
    }
    if cfg.MQTT.Broker != "" {
        mc, err := integration.ConnectMQTT(cfg.MQTT)
        if err != nil {
            log.Warn().Err(err).Msg("Failed to connect to MQTT, continuing without MQTT support")
        } else {
            defer mc.Disconnect(250)
            fwdOpts = append(fwdOpts, integration.WithMQTT(mc, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS))
        }
    }
    var forwarder *integration.Forwarder
    if len(fwdOpts) > 0 {
        forwarder = integration.NewForwarder(fwdOpts...)
        observers = append(observers, registry.WithObserver(forwarder))
    }

    reg := registry.New(clk, observers...)

    // Robot socket
    gwOpts := []gateway.Option{gateway.WithFrameHandler(func(robotID string, frame protocol.Frame) {
        if recorder != nil {
            recorder.RecordFrame(robotID, frame)
        }
        if forwarder != nil {
            forwarder.OnFrame(robotID, frame)
        }
    })}
    if recorder != nil {
        gwOpts = append(gwOpts, gateway.WithWarningHandler(recorder.RecordHeartbeatWarning))
    }
    socket := gateway.New(reg, verifier, clk, gateway.Config{
        AuthTimeout:    cfg.Session.AuthTimeout,
        VerifyTimeout:  cfg.Auth.VerifyTimeout,
        WriteTimeout:   cfg.Session.WriteTimeout,
        MaxMessageSize: cfg.Session.MaxMessageSize,
    }, gwOpts...)

    var dispOpts []server.DispatcherOption
    if recorder != nil {
        dispOpts = append(dispOpts, server.WithPushRecorder(recorder))
    }
    dispatcher := server.NewDispatcher(reg, clk, dispOpts...)

    apiServer := api.NewRESTServer(cfg, api.Deps{
        Sessions:   reg,
        Dispatcher: dispatcher,
        Verifier:   verifier,
        Socket:     socket,
        Store:      store,
    })

    // WaitGroup for services
    var wg sync.WaitGroup

    wg.Add(1)
    go func() {
        defer wg.Done()
        addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
        if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Fatal().Err(err).Msg("REST API server failed")
        }
    }()

    monitor := heartbeat.NewMonitor(reg, clk, cfg.Session.HeartbeatInterval, cfg.Session.HeartbeatTimeout)
    wg.Add(1)
    go func() {
        defer wg.Done()
        if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
            log.Error().Err(err).Msg("Heartbeat monitor stopped")
        }
    }()

    if nc != nil {
        subscriber := server.NewNATSSubscriber(nc, dispatcher, cfg.NATS.SubjectPrefix)
        wg.Add(1)
        go func() {
            defer wg.Done()
            if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
                log.Error().Err(err).Msg("NATS subscriber stopped")
            }
        }()
    }

    // Wait for signal
    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    sig := <-sigChan
    log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

    cancel()

    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer shutdownCancel()
    if err := apiServer.Shutdown(shutdownCtx); err != nil {
        log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
    }

    // Hijacked sockets are closed here, after no new ones can arrive.
    reg.Shutdown(protocol.ReasonServerShutdown)

    wg.Wait()
    if recorder != nil {
        recorder.Wait()
    }

    log.Info().Msg("Robot server stopped")
}

func issueToken(cfg *config.Config, robotID, role string, principalID int64) {
    if cfg.JWT.Secret == "" {
        log.Fatal().Msg("jwt.secret is required to issue tokens")
    }
    p := auth.Principal{PrincipalID: principalID, Role: role}
    if robotID != "-" {
        p.RobotID = robotID
    }
    token, err := auth.NewJWTManager(&cfg.JWT).GenerateToken(p)
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to issue token")
    }
    fmt.Println(token)
}
