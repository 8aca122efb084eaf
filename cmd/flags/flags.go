package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-kms-handoff/api/server"
	"github.com/ruteri/tee-kms-handoff/common"
	"github.com/ruteri/tee-kms-handoff/handoff"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *server.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &server.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// ConfigureHandoff reads the coordinator and fetcher tunables.
func ConfigureHandoff(cCtx *cli.Context) (handoff.Config, handoff.FetcherConfig) {
	cfg := handoff.DefaultConfig()
	cfg.ApplicationTimeout = cCtx.Duration(ApplicationTimeoutFlag.Name)
	cfg.HandoffTimeout = cCtx.Duration(HandoffTimeoutFlag.Name)
	cfg.RetryInterval = cCtx.Duration(RetryIntervalFlag.Name)
	cfg.RetryBudget = cCtx.Int(RetryBudgetFlag.Name)

	fetcherCfg := handoff.DefaultFetcherConfig()
	fetcherCfg.FanOut = cCtx.Int(FanOutFlag.Name)
	fetcherCfg.AttemptTimeout = cCtx.Duration(AttemptTimeoutFlag.Name)

	return cfg, fetcherCfg
}

var RuntimeFlag = &cli.StringFlag{
	Name:  "runtime",
	Value: "0000000000000000000000000000000000000000000000000000000000000001",
	Usage: "key manager runtime id. 64-char hex string",
}

var SchemeFlag = &cli.UintFlag{
	Name:  "scheme",
	Value: 0,
	Usage: "key manager scheme id within the runtime",
}

var PeersFileFlag = &cli.StringFlag{
	Name:  "peers-file",
	Value: "peers.json",
	Usage: "JSON address book mapping node ids to base URLs",
}

var FanOutFlag = &cli.IntFlag{
	Name:  "fan-out",
	Value: handoff.DefaultFetcherConfig().FanOut,
	Usage: "maximum number of concurrent fragment requests",
}

var AttemptTimeoutFlag = &cli.DurationFlag{
	Name:  "attempt-timeout",
	Value: handoff.DefaultFetcherConfig().AttemptTimeout,
	Usage: "timeout of a single fragment request",
}

var RetryIntervalFlag = &cli.DurationFlag{
	Name:  "retry-interval",
	Value: handoff.DefaultConfig().RetryInterval,
	Usage: "wait between fetch attempts",
}

var RetryBudgetFlag = &cli.IntFlag{
	Name:  "retry-budget",
	Value: handoff.DefaultConfig().RetryBudget,
	Usage: "maximum fetch attempts per handoff before aborting",
}

var ApplicationTimeoutFlag = &cli.DurationFlag{
	Name:  "application-timeout",
	Value: handoff.DefaultConfig().ApplicationTimeout,
	Usage: "time after an epoch announcement by which applications must agree",
}

var HandoffTimeoutFlag = &cli.DurationFlag{
	Name:  "handoff-timeout",
	Value: handoff.DefaultConfig().HandoffTimeout,
	Usage: "time after an epoch announcement by which the handoff must be confirmed",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "kms-handoff",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var HandoffFlags = []cli.Flag{
	FanOutFlag,
	AttemptTimeoutFlag,
	RetryIntervalFlag,
	RetryBudgetFlag,
	ApplicationTimeoutFlag,
	HandoffTimeoutFlag,
}
