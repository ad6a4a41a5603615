// Package main is the entry point for the Stratum mining pool / proxy.
// It handles configuration loading, logger initialization, wiring the
// template, job, and share pipelines to the pool server, and graceful
// shutdown.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jrick/logrotate/rotator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/parasitepool/para/internal/bitcoinrpc"
	"github.com/parasitepool/para/internal/coinbase"
	"github.com/parasitepool/para/internal/config"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/merkle"
	"github.com/parasitepool/para/internal/poolserver"
	"github.com/parasitepool/para/internal/proxy"
	"github.com/parasitepool/para/internal/session"
	"github.com/parasitepool/para/internal/share"
	"github.com/parasitepool/para/internal/sink"
	"github.com/parasitepool/para/internal/template"
	"github.com/parasitepool/para/internal/username"
	"github.com/parasitepool/para/internal/vardiff"
	"github.com/parasitepool/para/internal/worker"
	"github.com/parasitepool/para/pkg/crypto"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stratum pool",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("chain", cfg.Chain),
		zap.Bool("proxy_mode", cfg.Proxy.Enabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chainParams := chainParamsFor(cfg.Chain)

	redisCache, err := sink.NewRedisCache(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisCache.Close()

	pgStore, err := sink.NewPostgresStore(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pgStore.Close()

	shareSink, err := sink.New(cfg.Sink, pgStore, redisCache, logger)
	if err != nil {
		logger.Fatal("failed to construct share sink", zap.Error(err))
	}
	defer shareSink.Close()
	go shareSink.Run(ctx)

	workerManager := worker.NewManager(logger, chainParams, shareSink)

	registry := job.NewRegistry(cfg.Mining.JobRegistrySize)
	allocator := job.NewExtraNonce1Allocator()
	validator := share.NewValidator(share.Config{}, registry)

	var proxyMode *proxy.Mode
	if cfg.Proxy.Enabled() {
		proxyMode, err = proxy.NewMode(cfg.Proxy, registry, logger)
		if err != nil {
			logger.Fatal("failed to construct proxy mode", zap.Error(err))
		}
	}

	deps := session.Deps{
		Registry:  registry,
		Validator: validator,
		Allocator: allocator,
		NewVardiff: func() *vardiff.Controller {
			return vardiff.New(vardiff.Config{
				TargetShareInterval: cfg.Vardiff.TargetInterval,
				Window:              cfg.Vardiff.Window,
				MinDifficulty:       cfg.Vardiff.MinDifficulty,
				MaxDifficulty:       cfg.Vardiff.MaxDifficulty,
				RetargetPeriod:      cfg.Vardiff.Period,
				StartDifficulty:     cfg.Vardiff.StartDifficulty,
			})
		},
		Authorize: func(ctx context.Context, parsed username.Parsed, password string) error {
			_, err := workerManager.Register(ctx, parsed, "")
			return err
		},
		OnShare: func(sessionID, workerName string, jobID uint64, sub share.Submission, result share.Result, diff float64) {
			poolserver.ObserveShare(result.Outcome.String())
			workerManager.UpdateStats(context.Background(), workerName, result, diff)
			if proxyMode != nil {
				proxyMode.HandleShare(jobID, sub, result)
			}
		},
		OnDisconnect: func(sessionID string) {},
	}

	extraNonce2Size := cfg.Mining.ExtraNonce2Size
	if cfg.Proxy.Enabled() {
		// The downstream-facing extranonce2 width is fixed by config, not
		// derived from the live upstream connection: proxy.Mode validates
		// the upstream actually has room for it once connected.
		extraNonce2Size = cfg.Proxy.DownstreamExtraNonce2Size
	}

	sessionCfg := session.Config{
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		SubscribeWindow: cfg.Server.SubscribeWindow,
		RateLimit:       rate.Limit(cfg.RateLimit.MessagesPerSecond),
		RateBurst:       cfg.RateLimit.Burst,
		ExtraNonce2Size: extraNonce2Size,
	}

	srv := poolserver.New(cfg.Server, sessionCfg, deps, logger)

	if cfg.Proxy.Enabled() {
		proxyMode.SetJobHandler(srv.BroadcastJob)
		go func() {
			if err := proxyMode.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("proxy mode stopped", zap.Error(err))
				cancel()
			}
		}()
	} else {
		rpcClient := bitcoinrpc.New(bitcoinrpc.Config{
			Host:     cfg.Node.RPCHost,
			Port:     cfg.Node.RPCPort,
			User:     cfg.Node.RPCUser,
			Password: cfg.Node.RPCPassword,
		})

		coinbaseCfg, err := buildCoinbaseConfig(ctx, rpcClient, cfg.Mining)
		if err != nil {
			logger.Fatal("failed to resolve coinbase configuration", zap.Error(err))
		}

		localNode := template.NewLocalNode(&rpcFetcher{client: rpcClient}, cfg.Node.PollInterval, logger)
		go func() {
			if err := localNode.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("local template source stopped", zap.Error(err))
			}
		}()
		go runLocalPublisher(ctx, localNode, registry, coinbaseCfg, srv.BroadcastJob, logger)
	}

	go func() {
		if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	if cfg.Server.Metrics.Enabled {
		go func() {
			if err := srv.StartMetricsServer(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("server shutdown complete")
}

// chainParamsFor maps the configured chain name to the matching
// btcsuite/btcd/chaincfg parameter set used to validate payout addresses.
func chainParamsFor(chain string) *chaincfg.Params {
	switch chain {
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// buildCoinbaseConfig resolves the configured payout/pool/donation
// addresses against the local node into scriptPubKeys and assembles the
// coinbase synthesis config for local-node (non-proxy) operation.
func buildCoinbaseConfig(ctx context.Context, client *bitcoinrpc.Client, cfg config.MiningConfig) (coinbase.Config, error) {
	payoutScript, err := resolveScript(ctx, client, cfg.PayoutAddress)
	if err != nil {
		return coinbase.Config{}, fmt.Errorf("payout_address: %w", err)
	}

	var poolScript []byte
	if cfg.PoolAddress != "" {
		poolScript, err = resolveScript(ctx, client, cfg.PoolAddress)
		if err != nil {
			return coinbase.Config{}, fmt.Errorf("pool_address: %w", err)
		}
	}

	var donationScript []byte
	if cfg.Donation > 0 && cfg.DonationAddress != "" {
		donationScript, err = resolveScript(ctx, client, cfg.DonationAddress)
		if err != nil {
			return coinbase.Config{}, fmt.Errorf("donation_address: %w", err)
		}
	}

	versionMask, err := parseHexUint32(cfg.VersionMask)
	if err != nil {
		return coinbase.Config{}, fmt.Errorf("version_mask: %w", err)
	}

	return coinbase.Config{
		ExtraNonce1Size:    cfg.ExtraNonce1Size,
		ExtraNonce2Size:    cfg.ExtraNonce2Size,
		PayoutScript:       payoutScript,
		PoolScript:         poolScript,
		DonationScript:     donationScript,
		DonationFrac:       cfg.Donation,
		Tag:                cfg.CoinbaseTag,
		JobEntropy:         cfg.JobEntropyBytes,
		DefaultVersionMask: versionMask,
	}, nil
}

func resolveScript(ctx context.Context, client *bitcoinrpc.Client, address string) ([]byte, error) {
	scriptHex, valid, err := client.ValidateAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("validate address %q: %w", address, err)
	}
	if !valid {
		return nil, fmt.Errorf("address %q rejected by node", address)
	}
	return hex.DecodeString(scriptHex)
}

// runLocalPublisher turns every template the local node produces into a
// published Job, rebuilding the coinbase and merkle ladder and broadcasting
// to connected sessions. clean_jobs is set whenever the previous block hash
// changes since the last published template.
func runLocalPublisher(ctx context.Context, source *template.LocalNode, registry *job.Registry, coinbaseCfg coinbase.Config, onJob func(*job.Job), logger *zap.Logger) {
	var lastPrevHash []byte

	for {
		select {
		case <-ctx.Done():
			return
		case tpl, ok := <-source.Templates():
			if !ok {
				return
			}

			built, err := coinbase.Build(coinbase.Template{
				Height:                   tpl.Height,
				CoinbaseValue:            tpl.CoinbaseValue,
				DefaultWitnessCommitment: tpl.DefaultWitnessCommitment,
				Mutable:                  tpl.Mutable,
				Rules:                    tpl.Rules,
				VbAvailable:              tpl.VbAvailable,
				VbRequired:               tpl.VbRequired,
			}, coinbaseCfg, coinbase.DefaultEntropySource)
			if err != nil {
				logger.Error("coinbase build failed", zap.Error(err))
				continue
			}

			ladder := merkle.Build(tpl.TxIDs)

			cleanJobs := !bytes.Equal(tpl.PreviousBlockHash, lastPrevHash)
			lastPrevHash = tpl.PreviousBlockHash

			j := registry.Publish(tpl, built, ladder, tpl.Version, tpl.Bits, tpl.CurTime, cleanJobs, time.Now().UnixNano())

			logger.Debug("published job",
				zap.Uint64("job_id", j.ID),
				zap.Int64("height", tpl.Height),
				zap.Bool("clean_jobs", cleanJobs))

			onJob(j)
		}
	}
}

// rpcFetcher adapts bitcoinrpc.Client's getblocktemplate result to
// template.Fetcher, reversing bitcoind's big-endian display hex for hashes
// back into the natural byte order the rest of the pipeline uses.
type rpcFetcher struct {
	client *bitcoinrpc.Client
}

func (f *rpcFetcher) FetchTemplate(ctx context.Context) (template.Template, error) {
	res, err := f.client.GetBlockTemplate(ctx)
	if err != nil {
		return template.Template{}, err
	}

	prevHash, err := reversedHex(res.PreviousBlockHash)
	if err != nil {
		return template.Template{}, fmt.Errorf("decode previousblockhash: %w", err)
	}
	bits, err := parseHexUint32(res.Bits)
	if err != nil {
		return template.Template{}, fmt.Errorf("decode bits: %w", err)
	}

	var witnessCommitment []byte
	if res.DefaultWitnessCommitment != "" {
		witnessCommitment, err = hex.DecodeString(res.DefaultWitnessCommitment)
		if err != nil {
			return template.Template{}, fmt.Errorf("decode default_witness_commitment: %w", err)
		}
	}

	txids := make([][]byte, 0, len(res.Transactions))
	for _, tx := range res.Transactions {
		id, err := reversedHex(tx.TxID)
		if err != nil {
			return template.Template{}, fmt.Errorf("decode txid %s: %w", tx.TxID, err)
		}
		txids = append(txids, id)
	}

	return template.Template{
		Height:                   res.Height,
		PreviousBlockHash:        prevHash,
		Bits:                     bits,
		MinTime:                  res.MinTime,
		CurTime:                  res.CurTime,
		CoinbaseValue:            res.CoinbaseValue,
		DefaultWitnessCommitment: witnessCommitment,
		TxIDs:                    txids,
		Mutable:                  res.Mutable,
		Rules:                    res.Rules,
		VbAvailable:              res.VbAvailable,
		VbRequired:               res.VbRequired,
		Version:                  uint32(res.Version),
	}, nil
}

func reversedHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return crypto.ReverseBytes(b), nil
}

func parseHexUint32(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// initLogger initializes the zap logger based on configuration. File output
// rotates via jrick/logrotate, the same btcsuite-ecosystem rotator used
// alongside the chaincfg/btcutil address validation this pool already
// depends on, rather than growing an unbounded log file.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		r, err := newLogRotator(cfg.FilePath, cfg.MaxAgeDays)
		if err != nil {
			return nil, err
		}
		writeSyncer = zapcore.AddSync(r)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	return zap.New(core, zap.AddCaller()), nil
}

// newLogRotator opens a size-rotated log file, keeping roughly maxAgeDays
// worth of rolled-over files (a day-count is only a proxy for rotator's
// file-count retention, since the pool's share volume determines how fast
// each roll fills, not wall-clock time).
func newLogRotator(logFile string, maxAgeDays int) (*rotator.Rotator, error) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxRolls := maxAgeDays
	if maxRolls <= 0 {
		maxRolls = 7
	}

	r, err := rotator.New(logFile, 10*1024*1024, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("create log rotator: %w", err)
	}
	return r, nil
}
