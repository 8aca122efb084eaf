package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/tee-kms-handoff/api/queryhandler"
	"github.com/ruteri/tee-kms-handoff/cmd/flags"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/governance"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/ruteri/tee-kms-handoff/storage"
	"github.com/urfave/cli/v2"
)

var governanceURLFlag = &cli.StringFlag{
	Name:  "governance-url",
	Value: "http://127.0.0.1:8099",
	Usage: "base URL of the governance API",
}

var nodeURLFlag = &cli.StringFlag{
	Name:     "node-url",
	Required: true,
	Usage:    "base URL of the node's operator endpoints (operator_url in the address book)",
}

var epochFlag = &cli.Uint64Flag{
	Name:     "epoch",
	Required: true,
	Usage:    "handoff epoch",
}

var requestTimeoutFlag = &cli.DurationFlag{
	Name:  "timeout",
	Value: time.Minute,
	Usage: "request timeout",
}

func main() {
	app := &cli.App{
		Name:  "kmsnode",
		Usage: "Key manager committee handoff nodes and operator tooling",
		Commands: []*cli.Command{
			{
				Name:   "devnet",
				Usage:  "Run a development committee of in-process nodes with a local agreement layer",
				Flags:  append(append(devnetFlags, flags.CommonFlags...), flags.HandoffFlags...),
				Action: runDevnet,
			},
			{
				Name:   "announce",
				Usage:  "Announce a new epoch with a committee taken from the address book",
				Flags:  append([]cli.Flag{governanceURLFlag, flags.PeersFileFlag, flags.RuntimeFlag, flags.SchemeFlag, epochFlag, requestTimeoutFlag, &cli.IntFlag{Name: "threshold"}, &cli.IntFlag{Name: "quorum"}, &cli.StringSliceFlag{Name: "member", Usage: "committee member node id; may be repeated. Defaults to every node in the address book"}}, flags.LogFlags...),
				Action: runAnnounce,
			},
			{
				Name:   "status",
				Usage:  "Show the handoff status a node tracks",
				Flags:  []cli.Flag{nodeURLFlag, flags.RuntimeFlag, flags.SchemeFlag, requestTimeoutFlag},
				Action: runStatus,
			},
			{
				Name:   "fetch",
				Usage:  "Make a node fetch fragments for its active handoff now",
				Flags:  []cli.Flag{nodeURLFlag, flags.RuntimeFlag, flags.SchemeFlag, epochFlag, requestTimeoutFlag, &cli.StringSliceFlag{Name: "from", Usage: "node id to fetch from; may be repeated. Defaults to the whole committee"}},
				Action: runFetch,
			},
			{
				Name:  "fetch-matrix",
				Usage: "Fetch an archived verification matrix and check it against its checksum",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{Name: "archive", Required: true, Usage: "matrix archive URI; may be repeated"},
					&cli.StringFlag{Name: "checksum", Required: true, Usage: "hex-encoded matrix checksum"},
					&cli.StringFlag{Name: "out", Usage: "write the matrix to this file instead of stdout"},
					requestTimeoutFlag,
				}, flags.LogFlags...),
				Action: runFetchMatrix,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func schemeKey(cCtx *cli.Context) (interfaces.SchemeKey, error) {
	runtime, err := interfaces.NewRuntimeIDFromHex(cCtx.String(flags.RuntimeFlag.Name))
	if err != nil {
		return interfaces.SchemeKey{}, fmt.Errorf("invalid runtime: %w", err)
	}
	return interfaces.SchemeKey{Runtime: runtime, Scheme: uint8(cCtx.Uint(flags.SchemeFlag.Name))}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runAnnounce(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	key, err := schemeKey(cCtx)
	if err != nil {
		return err
	}

	peers, err := loadPeers(cCtx.String(flags.PeersFileFlag.Name))
	if err != nil {
		return err
	}

	var members []interfaces.NodeID
	if selected := cCtx.StringSlice("member"); len(selected) > 0 {
		for _, s := range selected {
			node, err := interfaces.NewNodeIDFromHex(s)
			if err != nil {
				return fmt.Errorf("invalid member %q: %w", s, err)
			}
			if _, ok := peerURL(peers, node); !ok {
				logger.Warn("member is not in the address book", "node", node)
			}
			members = append(members, node)
		}
	} else {
		for _, p := range peers {
			members = append(members, p.NodeID)
		}
	}

	ev := interfaces.EpochEvent{
		Runtime:   key.Runtime,
		Scheme:    key.Scheme,
		Epoch:     interfaces.EpochTime(cCtx.Uint64(epochFlag.Name)),
		Committee: defaultCommittee(members, cCtx.Int("threshold"), cCtx.Int("quorum")),
	}
	if err := ev.Committee.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration(requestTimeoutFlag.Name))
	defer cancel()

	client := &governance.Client{URL: cCtx.String(governanceURLFlag.Name)}
	resp, err := client.AnnounceEpoch(ctx, ev)
	if err != nil {
		return err
	}
	logger.Info("announced epoch", "handoff", resp.HandoffID, "members", len(members),
		"threshold", ev.Committee.Threshold, "quorum", ev.Committee.Quorum)
	return nil
}

func runStatus(cCtx *cli.Context) error {
	key, err := schemeKey(cCtx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration(requestTimeoutFlag.Name))
	defer cancel()

	status, err := queryhandler.NewClient(nil).Status(ctx, cCtx.String(nodeURLFlag.Name), key)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func runFetch(cCtx *cli.Context) error {
	key, err := schemeKey(cCtx)
	if err != nil {
		return err
	}

	req := interfaces.FetchRequest{
		HandoffID: interfaces.HandoffID{Runtime: key.Runtime, Scheme: key.Scheme, Epoch: interfaces.EpochTime(cCtx.Uint64(epochFlag.Name))},
	}
	for _, s := range cCtx.StringSlice("from") {
		node, err := interfaces.NewNodeIDFromHex(s)
		if err != nil {
			return fmt.Errorf("invalid node id %q: %w", s, err)
		}
		req.NodeIDs = append(req.NodeIDs, node)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration(requestTimeoutFlag.Name))
	defer cancel()

	resp, err := queryhandler.NewClient(nil).Fetch(ctx, cCtx.String(nodeURLFlag.Name), req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runFetchMatrix(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	var checksum interfaces.Checksum
	if err := checksum.UnmarshalText([]byte(cCtx.String("checksum"))); err != nil {
		return fmt.Errorf("invalid checksum: %w", err)
	}

	archive, err := storage.NewBackendFactory(logger).CreateMultiArchive(cCtx.StringSlice("archive"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration(requestTimeoutFlag.Name))
	defer cancel()

	matrix, err := archive.Fetch(ctx, checksum)
	if err != nil {
		return fmt.Errorf("could not fetch matrix: %w", err)
	}
	if !(cryptoutils.ChecksumVerifier{}).Matches(matrix, checksum) {
		return fmt.Errorf("%w: archived matrix does not hash to %s", interfaces.ErrChecksumMismatch, checksum)
	}
	logger.Info("verified matrix", "checksum", checksum, "size", len(matrix))

	if out := cCtx.String("out"); out != "" {
		return os.WriteFile(out, matrix, 0o644)
	}
	_, err = os.Stdout.Write(matrix)
	return err
}
