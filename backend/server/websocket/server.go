package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RootService interface {
		ConnectClient(protocol.Peer, model.Client) (model.Client, error)
		Handle(context.Context, string, model.RootRequest) bool
		DisconnectClient(string)
	}

	Config struct {
		Logger       *zerolog.Logger
		RootService  RootService
		ListenAddr   string
		WriteTimeout time.Duration
	}

	// Server is the root channel endpoint: it performs the identity
	// handshake and runs one receive loop per connected client.
	Server struct {
		svc          RootService
		writeTimeout time.Duration
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "root-server").Logger(),
		svc:          cfg.RootService,
		writeTimeout: cfg.WriteTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.RootPath, srv.connect)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	conn, err := protocol.Upgrade(w, r, srv.writeTimeout)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	var hello model.RootRequest
	if err = conn.Read(&hello); err != nil || hello.Command != model.RootConnectClient {
		srv.logger.Debug().Err(err).Stringer("command", hello.Command).Msg("dropping connection without identity")
		_ = conn.Close()
		return
	}

	identity := hello.Client
	identity.Addr = conn.RemoteAddr()
	client, err := srv.svc.ConnectClient(conn, identity)
	if err != nil {
		srv.logger.Warn().Err(err).Str("handle", identity.Handle).Msg("client rejected")
		_ = conn.Write(model.Response{
			Command: model.RootConnectClient,
			Code:    model.CodeInternalError,
			Flag:    model.FlagDataUnused,
		})
		_ = conn.Close()
		return
	}

	if err = conn.Write(model.Response{
		Command: model.RootConnectClient,
		Code:    model.CodeOperationSuccessful,
		Flag:    model.FlagDataUpdated,
		Client:  &client,
	}); err != nil {
		srv.logger.Error().Err(err).Str("clientID", client.ID).Msg("failed to send client record")
		srv.svc.DisconnectClient(client.ID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.receive(ctx, conn, client)
}

// receive serves root requests of one client until it disconnects.
func (srv *Server) receive(ctx context.Context, conn *protocol.Conn, client model.Client) {
	logger := srv.logger.With().
		Str("clientID", client.ID).
		Str("handle", client.Handle).
		Logger()
	defer func() {
		_ = conn.Close()
	}()

	for {
		var req model.RootRequest
		err := conn.Read(&req)
		switch {
		case errors.Is(err, protocol.ErrMalformed):
			logger.Warn().Err(err).Msg("failed to decode root request")
			continue
		case err != nil:
			if errors.Is(err, protocol.ErrClosed) {
				logger.Debug().Msg("connection closed")
			} else {
				logger.Error().Err(err).Msg("unexpected error during receive")
			}
			srv.svc.DisconnectClient(client.ID)
			return
		}

		if !srv.svc.Handle(ctx, client.ID, req) {
			logger.Debug().Msg("session ended")
			return
		}
	}
}
