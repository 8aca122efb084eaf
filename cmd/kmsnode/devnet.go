package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/tee-kms-handoff/api/queryhandler"
	"github.com/ruteri/tee-kms-handoff/api/server"
	"github.com/ruteri/tee-kms-handoff/cmd/flags"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/governance"
	"github.com/ruteri/tee-kms-handoff/handoff"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/ruteri/tee-kms-handoff/kms"
	"github.com/ruteri/tee-kms-handoff/storage"
	"github.com/urfave/cli/v2"
)

var devnetFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "nodes",
		Value: 4,
		Usage: "number of in-process nodes",
	},
	&cli.IntFlag{
		Name:  "threshold",
		Usage: "reconstruction threshold; 0 derives f+1 with f=(n-1)/3",
	},
	&cli.IntFlag{
		Name:  "quorum",
		Usage: "application and confirmation quorum; 0 derives n-f",
	},
	&cli.StringFlag{
		Name:  "host",
		Value: "127.0.0.1",
		Usage: "host the nodes listen on",
	},
	&cli.IntFlag{
		Name:  "base-port",
		Value: 8100,
		Usage: "node i listens on base-port+i",
	},
	&cli.StringFlag{
		Name:  "operator-host",
		Value: "127.0.0.1",
		Usage: "host the operator endpoints (fetch, status) listen on; keep it unreachable for peers",
	},
	&cli.IntFlag{
		Name:  "operator-base-port",
		Value: 8200,
		Usage: "operator endpoints of node i listen on operator-base-port+i",
	},
	&cli.StringFlag{
		Name:  "governance-addr",
		Value: "127.0.0.1:8099",
		Usage: "address to listen on for the governance API",
	},
	&cli.StringFlag{
		Name:  "master-secret",
		Usage: "hex-encoded master secret re-shared by the development dealer; random when empty",
	},
	&cli.StringFlag{
		Name:  "persistence",
		Usage: "share backend URI template, {node} is replaced by the node index (e.g. pebble:///var/lib/kms/{node})",
	},
	&cli.StringFlag{
		Name:    "sealing-secret",
		EnvVars: []string{"KMS_SEALING_SECRET"},
		Usage:   "secret the at-rest sealing key is derived from; required with --persistence",
	},
	&cli.StringSliceFlag{
		Name:  "archive",
		Usage: "matrix archive URI (file://, s3://, ipfs://); may be repeated",
	},
	&cli.DurationFlag{
		Name:  "epoch-interval",
		Usage: "announce a new epoch every interval; 0 announces only the first one",
	},
	&cli.StringFlag{
		Name:  "keys-file",
		Usage: "JSON file with hex identity keys of the nodes; created when missing. Keep it together with --persistence and --master-secret to restart a devnet",
	},
	&cli.Uint64Flag{
		Name:  "start-epoch",
		Value: 1,
		Usage: "epoch of the first announcement",
	},
	&cli.StringFlag{
		Name:  "peers-out",
		Value: "peers.json",
		Usage: "where to write the address book of the started nodes",
	},
	flags.RuntimeFlag,
	flags.SchemeFlag,
}

// devnode is one in-process committee member.
type devnode struct {
	identity *cryptoutils.Identity
	store    *kms.ShareStore
	coord    *handoff.Coordinator
	srv      *server.Server
	operator *server.Server
	backend  interfaces.ShareBackend
}

func runDevnet(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	handoffCfg, fetcherCfg := flags.ConfigureHandoff(cCtx)

	n := cCtx.Int("nodes")
	if n < 1 {
		return errors.New("devnet needs at least one node")
	}
	runtime, err := interfaces.NewRuntimeIDFromHex(cCtx.String(flags.RuntimeFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid runtime: %w", err)
	}
	scheme := uint8(cCtx.Uint(flags.SchemeFlag.Name))

	var secret []byte
	if s := cCtx.String("master-secret"); s != "" {
		secret, err = hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid master-secret: %w", err)
		}
	}
	dealer, err := kms.NewShamirDealer(secret)
	if err != nil {
		return err
	}

	factory := storage.NewBackendFactory(logger)
	var archive interfaces.MatrixArchive
	if uris := cCtx.StringSlice("archive"); len(uris) > 0 {
		archive, err = factory.CreateMultiArchive(uris)
		if err != nil {
			return fmt.Errorf("could not create matrix archive: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gov := governance.New(logger.With("component", "governance"))
	defer gov.Close()
	go gov.Run(ctx, time.Second)

	identities, err := loadOrGenerateIdentities(cCtx.String("keys-file"), n)
	if err != nil {
		return err
	}

	client := queryhandler.NewClient(nil)
	nodes := make([]*devnode, 0, n)
	peers := make([]Peer, 0, n)
	defer func() {
		cancel()
		for _, node := range nodes {
			node.srv.Shutdown()
			if node.operator != nil {
				node.operator.Shutdown()
			}
			node.coord.Close()
			if closer, ok := node.backend.(io.Closer); ok {
				closer.Close()
			}
		}
	}()

	for i, identity := range identities {
		log := logger.With("node", identity.NodeID().Short())

		node := &devnode{identity: identity}
		var storeOpts []kms.ShareStoreOption
		if tmpl := cCtx.String("persistence"); tmpl != "" {
			node.backend, storeOpts, err = persistence(cCtx, factory, tmpl, i)
			if err != nil {
				return err
			}
		}
		node.store = kms.NewShareStore(log, storeOpts...)
		if _, err := node.store.Restore(ctx); err != nil {
			return fmt.Errorf("could not restore shares of node %d: %w", i, err)
		}

		var coordOpts []handoff.Option
		if archive != nil {
			coordOpts = append(coordOpts, handoff.WithArchive(archive))
		}
		fetcher := handoff.NewFetcher(fetcherCfg, client, dealer, identity, log)
		node.coord = handoff.NewCoordinator(handoffCfg, identity, node.store, dealer, fetcher, gov, log, coordOpts...)

		handler := queryhandler.NewHandler(node.coord, node.store, dealer, identity, log)
		client.SetLocal(identity.NodeID(), handler)

		addr := fmt.Sprintf("%s:%d", cCtx.String("host"), cCtx.Int("base-port")+i)
		cfg := flags.ConfigureServer(cCtx, log, addr)
		if i > 0 {
			cfg.MetricsAddr = ""
		}
		node.srv, err = server.New(cfg, handler)
		if err != nil {
			return err
		}
		nodes = append(nodes, node)

		operatorAddr := fmt.Sprintf("%s:%d", cCtx.String("operator-host"), cCtx.Int("operator-base-port")+i)
		operatorCfg := flags.ConfigureServer(cCtx, log, operatorAddr)
		operatorCfg.MetricsAddr = ""
		node.operator, err = server.New(operatorCfg, handler.Operator())
		if err != nil {
			return err
		}

		url := "http://" + addr
		client.SetPeer(identity.NodeID(), url)
		peers = append(peers, Peer{NodeID: identity.NodeID(), URL: url, OperatorURL: "http://" + operatorAddr})
	}

	for _, node := range nodes {
		events, err := gov.Subscribe(ctx)
		if err != nil {
			return err
		}
		go func(node *devnode) {
			if err := node.coord.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("coordinator stopped", "node", node.identity.NodeID().Short(), "err", err)
			}
		}(node)
		node.srv.RunInBackground()
		node.operator.RunInBackground()
	}

	govCfg := flags.ConfigureServer(cCtx, logger, cCtx.String("governance-addr"))
	govCfg.MetricsAddr = ""
	govSrv, err := server.New(govCfg, governance.NewHandler(gov, logger))
	if err != nil {
		return err
	}
	govSrv.RunInBackground()
	defer govSrv.Shutdown()

	if path := cCtx.String("peers-out"); path != "" {
		if err := savePeers(path, peers); err != nil {
			return fmt.Errorf("could not write peers file: %w", err)
		}
		logger.Info("wrote address book", "path", path)
	}

	members := make([]interfaces.NodeID, 0, len(peers))
	for _, p := range peers {
		members = append(members, p.NodeID)
	}
	committee := defaultCommittee(members, cCtx.Int("threshold"), cCtx.Int("quorum"))

	epoch := interfaces.EpochTime(cCtx.Uint64("start-epoch"))
	announce := func() {
		ev := interfaces.EpochEvent{Runtime: runtime, Scheme: scheme, Epoch: epoch, Committee: committee}
		if err := gov.AnnounceEpoch(ev); err != nil {
			logger.Error("could not announce epoch", "epoch", epoch, "err", err)
			return
		}
		epoch++
	}
	announce()

	var tick <-chan time.Time
	if interval := cCtx.Duration("epoch-interval"); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Devnet is running, press Ctrl+C to stop",
		"nodes", n, "threshold", committee.Threshold, "quorum", committee.Quorum)
	for {
		select {
		case <-tick:
			announce()
		case <-exit:
			logger.Info("Shutdown signal received")
			return nil
		}
	}
}

// persistence creates the share backend of node i and the store options
// sealing shares at rest.
func persistence(cCtx *cli.Context, factory *storage.BackendFactory, tmpl string, i int) (interfaces.ShareBackend, []kms.ShareStoreOption, error) {
	secret := cCtx.String("sealing-secret")
	if secret == "" {
		return nil, nil, errors.New("sealing-secret is required with persistence")
	}

	backend, err := factory.ShareBackendFor(strings.ReplaceAll(tmpl, "{node}", fmt.Sprintf("node-%d", i)))
	if err != nil {
		return nil, nil, fmt.Errorf("could not create share backend: %w", err)
	}
	sealer, err := cryptoutils.NewSealer([]byte(secret), fmt.Sprintf("node-%d", i))
	if err != nil {
		return nil, nil, err
	}
	return backend, []kms.ShareStoreOption{kms.WithPersistence(backend, sealer)}, nil
}

func loadOrGenerateIdentities(path string, n int) ([]*cryptoutils.Identity, error) {
	var keys []string
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &keys); err != nil {
				return nil, fmt.Errorf("could not parse keys file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("could not read keys file: %w", err)
		}
	}

	identities := make([]*cryptoutils.Identity, 0, n)
	for i := 0; i < n; i++ {
		if i < len(keys) {
			identity, err := cryptoutils.LoadIdentity(keys[i])
			if err != nil {
				return nil, fmt.Errorf("key %d: %w", i, err)
			}
			identities = append(identities, identity)
			continue
		}
		identity, err := cryptoutils.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
		keys = append(keys, identity.Hex())
	}

	if path != "" {
		data, err := json.MarshalIndent(keys, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("could not write keys file: %w", err)
		}
	}
	return identities, nil
}
