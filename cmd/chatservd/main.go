package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vjoke/chat-service/internal/bus"
	"github.com/vjoke/chat-service/internal/config"
	"github.com/vjoke/chat-service/internal/service"
	"github.com/vjoke/chat-service/internal/state"
	"github.com/vjoke/chat-service/internal/transport"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var rdb redis.UniversalClient
	if cfg.State == config.StateRedis {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var svc *service.Service

	var tr transport.Transport
	var ws *transport.WSTransport
	switch cfg.Transport {
	case config.TransportWebsocket:
		ws = transport.NewWSTransport(transport.Handlers{
			// Trusted-header authentication; a fronting proxy or gateway
			// is expected to establish identity.
			Authenticate: func(r *http.Request) (string, error) {
				user := r.Header.Get("X-User-Name")
				if user == "" {
					user = r.URL.Query().Get("user")
				}
				if user == "" {
					return "", errors.New("missing user identity")
				}
				return user, nil
			},
			Connect: func(ctx context.Context, userName, socketID string) error {
				if _, err := svc.ConnectSocket(ctx, userName, socketID); err != nil {
					return err
				}
				_, _, err := svc.RecoverSocket(ctx, userName, socketID)
				return err
			},
			Disconnect: func(ctx context.Context, userName, socketID string) {
				if err := svc.DisconnectSocket(ctx, userName, socketID); err != nil {
					log.Warn("socket teardown failed", "user", userName,
						"socket", socketID, "err", err)
				}
			},
			Exec: func(ctx context.Context, userName, socketID, name string, args []any) (any, error) {
				return svc.Exec(ctx, service.Context{UserName: userName, SocketID: socketID}, name, args...)
			},
		}, log)
		tr = ws
	default:
		tr = transport.NewChannelRegistry()
	}

	// The bus backend follows the store: shared state needs a shared bus.
	instanceUID := uuid.NewString()
	var store state.Store
	var clusterBus bus.Bus
	switch cfg.State {
	case config.StateRedis:
		store = state.NewRedisStore(rdb, nil)
		clusterBus = bus.NewRedisBus(rdb, instanceUID, cfg.BusAckTimeout, log)
	default:
		store = state.NewMemoryStore(nil)
		clusterBus = bus.NewMemoryBus(instanceUID)
	}

	svc = service.New(cfg, store, clusterBus, tr, log, service.Options{InstanceUID: instanceUID})
	go logEvents(svc, log)

	if err := svc.Run(ctx); err != nil {
		return err
	}

	var httpSrv *http.Server
	if ws != nil {
		mux := http.NewServeMux()
		mux.Handle("/chat", ws)
		httpSrv = &http.Server{
			Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler: mux,
		}
		go func() {
			log.Info("websocket transport listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", "err", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}
	return svc.Close()
}

func logEvents(svc *service.Service, log *slog.Logger) {
	for ev := range svc.Events() {
		switch ev.Kind {
		case service.Ready, service.Closed:
			log.Debug("lifecycle event", "kind", ev.Kind)
		case service.LockTimeExceeded:
			log.Warn("lock time exceeded", "lock", ev.LockID,
				"room", ev.Op.RoomName, "user", ev.Op.UserName)
		default:
			log.Warn("consistency fault", "kind", ev.Kind, "op", ev.Op.OpType, "err", ev.Err)
		}
	}
}
