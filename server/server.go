// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package server

import (
	"context"
	"time"

	"github.com/CeresDB/ceresdb-catalog/pkg/backoff"
	"github.com/CeresDB/ceresdb-catalog/pkg/log"
	"github.com/CeresDB/ceresdb-catalog/server/catalog"
	"github.com/CeresDB/ceresdb-catalog/server/config"
	"github.com/CeresDB/ceresdb-catalog/server/engine"
	"github.com/CeresDB/ceresdb-catalog/server/handle"
	"github.com/CeresDB/ceresdb-catalog/server/namespace"
	"github.com/CeresDB/ceresdb-catalog/server/remote"
	"github.com/CeresDB/ceresdb-catalog/server/syncer"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Server wires the catalog cache together: the etcd-backed remote client, the
// namespace tree, the handle registry over the table engine, the background
// syncer and the manager facade on top of them all.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	etcdCli  *clientv3.Client
	tree     *namespace.Tree
	engine   *engine.MemoryEngine
	registry *handle.Registry
	syncer   *syncer.Syncer
	manager  catalog.Manager
}

// CreateServer creates the server instance without starting any background
// jobs.
func CreateServer(cfg *config.Config) (*Server, error) {
	logger, err := log.InitGlobalLogger(&cfg.Log)
	if err != nil {
		return nil, ErrInitLogger.WithCause(err)
	}
	logger = logger.With(zap.String("node", cfg.NodeName))

	lgc := zap.NewProductionConfig()
	etcdCli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints(),
		DialTimeout: cfg.EtcdDialTimeout(),
		LogConfig:   &lgc,
	})
	if err != nil {
		return nil, ErrCreateEtcdClient.WithCause(err)
	}

	remoteCli := remote.NewEtcdClient(logger, etcdCli, remote.EtcdOptions{
		RootPath:       cfg.RootPath,
		RequestTimeout: cfg.EtcdCallTimeout(),
		ScanBatchSize:  cfg.ScanBatchSize,
		IDAllocStep:    cfg.IDAllocStep,
		CatchupTimeout: cfg.CatchupTimeout(),
	})

	tree := namespace.NewTree()
	eng := engine.NewMemoryEngine(logger)
	registry := handle.NewRegistry(logger, eng)
	sync := syncer.NewSyncer(logger, remoteCli, tree, registry, syncer.Config{
		Interval: cfg.SyncInterval(),
		Policy: backoff.Policy{
			BaseDelay:   time.Duration(cfg.SyncBackoffBaseMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.SyncBackoffMaxMs) * time.Millisecond,
			MaxAttempts: 0,
		},
	})
	manager := catalog.NewManagerImpl(logger, remoteCli, tree, registry, sync, backoff.Policy{
		BaseDelay:   time.Duration(cfg.MutationBackoffBaseMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MutationBackoffMaxMs) * time.Millisecond,
		MaxAttempts: cfg.MutationMaxAttempts,
	})

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		etcdCli:  etcdCli,
		tree:     tree,
		engine:   eng,
		registry: registry,
		syncer:   sync,
		manager:  manager,
	}
	return srv, nil
}

// Run populates the local view with one blocking sync pass and starts the
// background sync loop.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.syncer.SyncOnce(ctx); err != nil {
		return err
	}
	srv.syncer.Start()
	srv.logger.Info("catalog server running", zap.Strings("endpoints", srv.cfg.Endpoints()), zap.String("rootPath", srv.cfg.RootPath))
	return nil
}

// Manager exposes the catalog facade to embedders.
func (srv *Server) Manager() catalog.Manager {
	return srv.manager
}

func (srv *Server) Close() {
	srv.syncer.Stop()

	if err := srv.etcdCli.Close(); err != nil {
		log.Error("fail to close etcd client", zap.Error(err))
	}
}
