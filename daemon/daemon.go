/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package daemon

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/contrib/etcdcore"
	"github.com/couchbase/stellar-gcs/gcs"
	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/couchbase/stellar-gcs/gcs/system"
	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"github.com/couchbase/stellar-gcs/utils/netutils"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultSystemPort   = 7600
	DefaultLeaveTimeout = 10 * time.Second
)

type Config struct {
	Logger  *zap.Logger
	Metrics *metrics.GcsMetrics

	Group string
	// Peers is a connection string naming existing members to join through.
	Peers     string
	Bootstrap bool

	BindAddress       string
	AdvertiseHost     string
	BindSystemPort    int
	SystemCertificate *tls.Certificate

	EtcdEndpoints []string
	EtcdUsername  string
	EtcdPassword  string
	EtcdPrefix    string
	LeasePeriod   time.Duration

	ProtocolVersion       protocol.Version
	NonMemberExpelTimeout time.Duration
	MemberExpelTimeout    time.Duration
	SuspicionsPeriod      time.Duration

	// Daemon keeps retrying the initial join instead of failing.
	Daemon bool
	Debug  bool

	StartupCallback func(*StartupInfo)
}

type StartupInfo struct {
	MemberID   string
	Address    string
	SystemPort int
}

type ReconfigureOptions struct {
	NonMemberExpelTimeout time.Duration
	MemberExpelTimeout    time.Duration
	SuspicionsPeriod      time.Duration
}

// Daemon runs one group node backed by etcd together with its system server.
type Daemon struct {
	logger *zap.Logger
	config *Config

	address    string
	etcdClient *etcd.Client
	listeners  *system.Listeners
	system     *system.System
	node       *gcs.Node

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewDaemon(config *Config) (*Daemon, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Group == "" {
		return nil, errors.New("group name must be specified")
	}

	d := &Daemon{
		logger:     logger,
		config:     config,
		shutdownCh: make(chan struct{}),
	}

	err := d.init()
	if err != nil {
		d.close()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) init() error {
	config := d.config

	listeners, err := system.NewListeners(&system.ListenersOptions{
		Address:    config.BindAddress,
		SystemPort: config.BindSystemPort,
	})
	if err != nil {
		return errors.Wrap(err, "failed to bind system port")
	}
	d.listeners = listeners

	d.address, err = netutils.GroupAddress(config.AdvertiseHost, config.BindAddress, listeners.BoundSystemPort())
	if err != nil {
		return errors.Wrap(err, "failed to determine group address")
	}

	d.etcdClient, err = etcd.New(etcd.Config{
		Endpoints:   config.EtcdEndpoints,
		Username:    config.EtcdUsername,
		Password:    config.EtcdPassword,
		DialTimeout: 5 * time.Second,
		Logger:      d.logger.Named("etcd-client"),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create etcd client")
	}

	d.node, err = gcs.NewNode(&gcs.Config{
		Logger:       d.logger.Named("node"),
		Metrics:      config.Metrics,
		Group:        config.Group,
		LocalAddress: d.address,
		NewCore: etcdcore.NewCoreFactory(etcdcore.Options{
			Logger:      d.logger.Named("etcd-core"),
			EtcdClient:  d.etcdClient,
			KeyPrefix:   config.EtcdPrefix,
			Address:     d.address,
			LeasePeriod: config.LeasePeriod,
		}),
		ProtocolVersion:       config.ProtocolVersion,
		NonMemberExpelTimeout: config.NonMemberExpelTimeout,
		MemberExpelTimeout:    config.MemberExpelTimeout,
		SuspicionsPeriod:      config.SuspicionsPeriod,
		LeaveTimeout:          DefaultLeaveTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create group node")
	}

	var tlsConfig *tls.Config
	if config.SystemCertificate != nil {
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*config.SystemCertificate},
			MinVersion:   tls.VersionTLS12,
		}
	}

	d.system, err = system.NewSystem(&system.SystemOptions{
		Logger:    d.logger.Named("system"),
		Node:      d.node,
		Metrics:   config.Metrics,
		TlsConfig: tlsConfig,
		Debug:     config.Debug,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create system server")
	}

	return nil
}

func (d *Daemon) close() {
	if d.listeners != nil {
		d.listeners.Close()
	}
	if d.etcdClient != nil {
		_ = d.etcdClient.Close()
	}
}

func (d *Daemon) Node() *gcs.Node {
	return d.node
}

func (d *Daemon) Address() string {
	return d.address
}

// Run joins the group and serves until ctx is cancelled or Shutdown is
// called, leaving the group gracefully in the latter case.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		err := d.node.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("group node stopped", zap.Error(err))
		}
		wg.Done()
	}()
	go func() {
		_ = d.system.Serve(runCtx, d.listeners)
		wg.Done()
	}()

	err := d.join(runCtx)
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}

	if d.config.StartupCallback != nil {
		d.config.StartupCallback(&StartupInfo{
			MemberID:   d.node.LocalMember().String(),
			Address:    d.address,
			SystemPort: d.listeners.BoundSystemPort(),
		})
	}

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
		leaveCtx, leaveCancel := context.WithTimeout(ctx, DefaultLeaveTimeout)
		err := d.node.Leave(leaveCtx)
		leaveCancel()
		if err != nil {
			d.logger.Warn("failed to leave group gracefully", zap.Error(err))
		}
	}

	cancel()
	wg.Wait()
	return nil
}

func (d *Daemon) join(ctx context.Context) error {
	peers, err := ParsePeers(d.config.Peers, DefaultSystemPort)
	if err != nil {
		return err
	}
	if !d.config.Bootstrap && len(peers) == 0 {
		return gcs.ErrNoPeers
	}

	var bo backoff.BackOff = backoff.NewExponentialBackOff()
	if d.config.Daemon {
		bo.(*backoff.ExponentialBackOff).MaxElapsedTime = 0
	} else {
		bo = backoff.WithMaxRetries(bo, 3)
	}

	attempt := func() error {
		if d.config.Bootstrap {
			err := d.node.Join(ctx, gcs.JoinOptions{Bootstrap: true})
			if err == nil {
				d.logger.Info("bootstrapped group", zap.String("group", d.config.Group))
				return nil
			}
			if len(peers) == 0 {
				return d.classifyJoinError(err)
			}

			d.logger.Info("bootstrap refused, joining through peers", zap.Error(err))
		}

		err := d.node.Join(ctx, gcs.JoinOptions{Peers: peers})
		if err != nil {
			return d.classifyJoinError(err)
		}
		return nil
	}

	err = backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		d.logger.Warn("failed to join group, retrying",
			zap.Error(err),
			zap.Duration("retryIn", next))
	})
	if err != nil {
		return errors.Wrap(err, "failed to join group")
	}

	d.logger.Info("joined group",
		zap.String("group", d.config.Group),
		zap.Stringer("member", d.node.LocalMember()))
	return nil
}

func (d *Daemon) classifyJoinError(err error) error {
	if errors.Is(err, gcs.ErrAlreadyMember) || errors.Is(err, gcs.ErrNoPeers) {
		return backoff.Permanent(err)
	}
	return err
}

// Shutdown starts leaving the group. Run returns once the node has left.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
	})
}

func (d *Daemon) Reconfigure(opts *ReconfigureOptions) error {
	if opts.MemberExpelTimeout < 0 || opts.NonMemberExpelTimeout < 0 || opts.SuspicionsPeriod < 0 {
		return errors.New("failure detection settings must not be negative")
	}

	d.node.Reconfigure(&gcs.ReconfigureOptions{
		NonMemberExpelTimeout: opts.NonMemberExpelTimeout,
		MemberExpelTimeout:    opts.MemberExpelTimeout,
		SuspicionsPeriod:      opts.SuspicionsPeriod,
	})
	return nil
}

// GroupHash is the hash used to key the group in etcd.
func (d *Daemon) GroupHash() uint32 {
	return consensus.GroupHash(d.config.Group)
}
