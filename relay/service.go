// Package relay serves the node's HTTP API and the WebSocket push channel:
// user registration and lookup, payload upload and replication, signed
// deliver/ack flow, history queries, and the consensus wire endpoints.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/blocknet/relayer/blobs"
	"github.com/blocknet/relayer/config"
	"github.com/blocknet/relayer/consensus"
	"github.com/blocknet/relayer/db"
	"github.com/blocknet/relayer/network"
	"github.com/blocknet/relayer/peers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "relay")

const shutdownTimeout = 5 * time.Second

// Service is the inbound HTTP server.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       *config.Config
	db        db.Database
	blobs     *blobs.Store
	client    *network.Client
	consensus *consensus.Service
	registry  *peers.Registry
	address   string
	hub       *hub

	server     *http.Server
	wg         sync.WaitGroup
	failStatus error
}

// Config options for the relay service.
type Config struct {
	NodeConfig *config.Config
	Database   db.Database
	Blobs      *blobs.Store
	Client     *network.Client
	Consensus  *consensus.Service
	Registry   *peers.Registry
	// NodeAddress is this node's hex signing address, reported by /health.
	NodeAddress string
}

// NewService wires the router and returns an unstarted service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg.NodeConfig,
		db:        cfg.Database,
		blobs:     cfg.Blobs,
		client:    cfg.Client,
		consensus: cfg.Consensus,
		registry:  cfg.Registry,
		address:   cfg.NodeAddress,
		hub:       newHub(),
	}
	s.server = &http.Server{
		Addr:    cfg.NodeConfig.HTTPAddr,
		Handler: cors.AllowAll().Handler(s.router()),
	}
	return s
}

func (s *Service) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/register", s.registerUserHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/user/{address}", s.userHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/users", s.usersHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/uploadEncrypted", s.uploadHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/replicate", s.replicateHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/deliver", s.deliverHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/ack", s.ackHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{address}", s.messagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/fetch/{cid}", s.fetchHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/conversation/{rootId}", s.conversationHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/proposal", s.proposalHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/commit", s.commitHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/register_peer", s.registerPeerHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/peers", s.peersHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws/{address}", s.wsHandler)
	return r
}

// Start begins serving the API.
func (s *Service) Start() {
	log.WithField("addr", s.server.Addr).Info("Starting relay API server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Could not listen on %s", s.server.Addr)
			s.failStatus = err
		}
	}()
}

// Stop drains in-flight replication work and shuts the server down.
func (s *Service) Stop() error {
	s.cancel()
	s.wg.Wait()
	s.hub.closeAll()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the listener failure, if any.
func (s *Service) Status() error {
	return s.failStatus
}
