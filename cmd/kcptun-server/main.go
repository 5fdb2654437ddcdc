// Command kcptun-server terminates KCP tunnels and forwards each
// session's TLV-framed payload to a single configured TCP target, per
// spec §3's server role.
package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"github.com/xtaci/qpp"

	"github.com/xtaci/kcptun-rdv/internal/codec"
	"github.com/xtaci/kcptun-rdv/internal/config"
	"github.com/xtaci/kcptun-rdv/internal/engine"
	"github.com/xtaci/kcptun-rdv/internal/frame"
	"github.com/xtaci/kcptun-rdv/internal/transport"
	"github.com/xtaci/kcptun-rdv/internal/xlog"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

const poolSize = 4096

func main() {
	app := cli.NewApp()
	app.Name = "kcptun-server"
	app.Usage = "KCP tunnel server"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "c",
			Usage:    "path to the sectioned JSON config file",
			Required: true,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("c"))
	if err != nil {
		return err
	}

	log.SetFlags(log.LstdFlags)
	logger := xlog.New(os.Stderr, xlog.ParseLevel(cfg.LogLevel), log.LstdFlags)

	warnQPPParams(cfg)

	key := cfg.DeriveKey()
	cdc, err := codec.New(key, codec.RoleServer)
	if err != nil {
		return err
	}

	mode := transport.ModeUDP
	if cfg.UDP.TCP {
		mode = transport.ModeTCP
	}
	conn, err := transport.Listen(mode, cfg.UDP.Listen, cfg.UDP.SockBuf)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Warningf("kcptun-server %s listening on %s (%s), forwarding to %s", VERSION, conn.LocalAddr(), mode, cfg.TCP.Target)

	pool := frame.NewPool(poolSize, 1500+codec.Overhead+codec.NonceSize)
	pump := frame.NewPump(conn, pool, logger)
	eng := engine.New(cfg, logger, codec.RoleServer, pump, pool, cdc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Warningf("kcptun-server: shutting down")
		cancel()
	}()

	return eng.Run(ctx)
}

// warnQPPParams mirrors the teacher's own QPP sanity checks in
// client/main.go, run here too since the server independently derives
// the same permutation table from the shared secret.
func warnQPPParams(cfg *config.Config) {
	if !cfg.Obfs.QPP {
		return
	}
	key := cfg.QPPKeyMaterial()
	minSeedLength := qpp.QPPMinimumSeedLength(8)
	if len(key) < minSeedLength {
		color.Red("QPP Warning: key material has size of %d bytes, required %d bytes at least", len(key), minSeedLength)
	}
	minPads := qpp.QPPMinimumPads(8)
	if cfg.Obfs.QPPCount < minPads {
		color.Red("QPP Warning: qpp_count %d, required %d at least", cfg.Obfs.QPPCount, minPads)
	}
	if new(big.Int).GCD(nil, nil, big.NewInt(int64(cfg.Obfs.QPPCount)), big.NewInt(8)).Int64() != 1 {
		color.Red("QPP Warning: qpp_count %d, choose a prime number for security", cfg.Obfs.QPPCount)
	}
}
