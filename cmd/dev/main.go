package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/contrib/inproccore"
	"github.com/couchbase/stellar-gcs/gcs"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/couchbase/stellar-gcs/pkg/version"
	"github.com/couchbase/stellar-gcs/pkg/webapi"
	"go.uber.org/zap"
)

var numInstances = flag.Uint("num-instances", 3, "how many nodes to run")
var groupName = flag.String("group", "dev-group", "the group name")
var webPort = flag.Int("web-port", 9091, "the web api port of the first node")
var sendInterval = flag.Duration("send-interval", time.Second, "how often each node broadcasts a message, 0 disables")

type devListener struct {
	gcs.NopListener
	logger *zap.Logger
}

func (l *devListener) OnViewChanged(v *view.View, payloads map[nodes.Member][]byte) {
	l.logger.Info("view installed",
		zap.Stringer("viewId", v.ID),
		zap.Int("members", len(v.Members)),
		zap.Int("joined", len(v.Joined)),
		zap.Int("left", len(v.Left)))
}

func (l *devListener) OnMessage(origin nodes.Member, payload []byte) {
	l.logger.Debug("message delivered",
		zap.Stringer("origin", origin),
		zap.ByteString("payload", payload))
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Printf("failed to initialize logging: %s", err)
		os.Exit(1)
	}

	buildVersion := version.Get("github.com/couchbase/stellar-gcs")
	logger.Info("starting dev group", zap.String("version", buildVersion))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	core := inproccore.NewGroup(inproccore.GroupOptions{
		Logger: logger.Named("core"),
	})

	wg := sync.WaitGroup{}
	var first string
	for i := uint(0); i < *numInstances; i++ {
		address := fmt.Sprintf("dev-node-%d", i)
		nodeLogger := logger.Named(address)

		node, err := gcs.NewNode(&gcs.Config{
			Logger:       nodeLogger,
			Listener:     &devListener{logger: nodeLogger},
			Group:        *groupName,
			LocalAddress: address,
			NewCore:      core.CoreFactory(address),
		})
		if err != nil {
			logger.Error("failed to create node", zap.Error(err))
			os.Exit(1)
		}

		wg.Add(1)
		go func() {
			_ = node.Run(ctx)
			wg.Done()
		}()

		joinOpts := gcs.JoinOptions{Bootstrap: true}
		if i > 0 {
			joinOpts = gcs.JoinOptions{Peers: []string{first}}
		} else {
			first = address

			webapi.InitializeWebServer(webapi.WebServerOptions{
				Logger:        logger.Named("webapi"),
				ListenAddress: fmt.Sprintf("127.0.0.1:%d", *webPort),
				Node:          node,
			})
		}

		err = backoff.Retry(func() error {
			err := node.Join(ctx, joinOpts)
			if err != nil && !errors.Is(err, gcs.ErrNotInitialized) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx))
		if err != nil {
			logger.Error("failed to join node", zap.String("address", address), zap.Error(err))
			os.Exit(1)
		}

		if *sendInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(*sendInterval)
				defer ticker.Stop()

				seq := 0
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}

					seq++
					err := node.Send(ctx, []byte(fmt.Sprintf("%s:%d", address, seq)))
					if err != nil && ctx.Err() == nil {
						nodeLogger.Warn("failed to send message", zap.Error(err))
					}
				}
			}()
		}
	}

	logger.Info("dev group is running", zap.Uint("nodes", *numInstances))

	wg.Wait()
}
