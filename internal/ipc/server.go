package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"

	"headless/internal/daemon"
	"headless/internal/host"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/wallet"
)

// Server exposes signer control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path. The socket
// is created owner-only: answering prompts unlocks wallets.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "operator commands may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the signer if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may confuse signer stop"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

const serviceName = "Signer"

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("signer stop requested via IPC",
		logging.String(logging.FieldEventType, "signer_stop_requested"))
	s.daemon.RequestShutdown()
	resp.Stopped = true
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	st := s.daemon.Status()
	*resp = StatusResponse{
		Running:           st.Running,
		PID:               st.PID,
		Network:           st.Network,
		Address:           st.Address,
		Transport:         st.Transport,
		TicketRequired:    st.TicketRequired,
		WatchingOnly:      st.WatchingOnly,
		StartedAt:         st.StartedAt,
		Clients:           st.Clients,
		Peers:             st.Peers,
		AutoSignLimit:     st.AutoSignLimit,
		ManualLimit:       st.ManualLimit,
		AutoSignRemaining: st.AutoSignRemaining,
		ManualRemaining:   st.ManualRemaining,
		ActiveWallets:     st.ActiveWallets,
		Outstanding:       st.Outstanding,
		QueueDepth:        st.QueueDepth,
		Wallets:           st.Wallets,
		Prompts:           st.Prompts,
		Activity:          Activity(st.Activity),
		LockPath:          st.LockFilePath,
	}
	return nil
}

func (s *service) Prompts(_ PromptsRequest, resp *PromptsResponse) error {
	pending := s.daemon.Prompts()
	resp.Prompts = make([]Prompt, 0, len(pending))
	for _, p := range pending {
		resp.Prompts = append(resp.Prompts, Prompt(p))
	}
	return nil
}

func (s *service) Password(req PasswordRequest, resp *PasswordResponse) error {
	walletID := strings.TrimSpace(req.WalletID)
	if walletID == "" {
		return errors.New("wallet id is required")
	}
	err := s.daemon.AnswerPassword(walletID, req.Password, req.Cancel)
	switch {
	case errors.Is(err, host.ErrNoPrompt):
		resp.Message = "no prompt pending for " + walletID
		return nil
	case err != nil:
		return err
	}
	resp.Accepted = true
	if req.Cancel {
		resp.Message = "prompt declined"
	} else {
		resp.Message = "password delivered"
	}
	return nil
}

func (s *service) AutoSign(req AutoSignRequest, resp *AutoSignResponse) error {
	walletID, err := s.daemon.SetAutoSign(strings.TrimSpace(req.WalletID), req.Enable, req.Password)
	if err != nil {
		s.logger.Warn("auto-sign change failed",
			logging.String(logging.FieldWalletID, req.WalletID),
			logging.Bool("enable", req.Enable),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_autosign_failed"),
			logging.String(logging.FieldImpact, "auto-sign state unchanged"),
		)
		resp.WalletID = req.WalletID
		resp.Message = err.Error()
		return nil
	}
	resp.WalletID = walletID
	resp.Active = req.Enable
	if req.Enable {
		resp.Message = "auto-sign activated"
	} else {
		resp.Message = "auto-sign deactivated"
	}
	return nil
}

func (s *service) Wallets(_ WalletsRequest, resp *WalletsResponse) error {
	roots := s.daemon.Wallets()
	resp.Wallets = make([]WalletSummary, 0, len(roots))
	for _, info := range roots {
		resp.Wallets = append(resp.Wallets, summarize(info))
	}
	return nil
}

func (s *service) CreateWallet(req CreateWalletRequest, resp *CreateWalletResponse) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return errors.New("wallet name is required")
	}
	info, err := s.daemon.CreateWallet(s.ctx, protocol.NewHDWallet{
		Name:        name,
		Description: req.Description,
		Primary:     req.Primary,
		Seed:        strings.TrimSpace(req.Seed),
	}, req.Password)
	if err != nil {
		return err
	}
	resp.Wallet = summarize(info)
	return nil
}

func summarize(info wallet.Info) WalletSummary {
	return WalletSummary{
		ID:           info.ID,
		Name:         info.Name,
		Description:  info.Description,
		Network:      info.NetType.String(),
		Encrypted:    info.Encrypted(),
		WatchingOnly: info.WatchingOnly,
		Primary:      info.Primary,
	}
}
