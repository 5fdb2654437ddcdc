// Command kcptun-client accepts local TCP connections and tunnels each
// one as a KCP session to a single configured server, per spec §3's
// client role.
package main

import (
	"context"
	"log"
	"math/big"
	"net"
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
	app.Name = "kcptun-client"
	app.Usage = "KCP tunnel client"
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
	cdc, err := codec.New(key, codec.RoleClient)
	if err != nil {
		return err
	}

	mode := transport.ModeUDP
	if cfg.UDP.TCP {
		mode = transport.ModeTCP
	}
	conn, remoteAddr, err := transport.Dial(mode, cfg.UDP.Remote, cfg.UDP.SockBuf)
	if err != nil {
		return err
	}
	defer conn.Close()

	pool := frame.NewPool(poolSize, 1500+codec.Overhead+codec.NonceSize)
	pump := frame.NewPump(conn, pool, logger)
	eng := engine.New(cfg, logger, codec.RoleClient, pump, pool, cdc, remoteAddr)

	listener, err := net.Listen("tcp", cfg.TCP.Listen)
	if err != nil {
		return err
	}
	defer listener.Close()
	logger.Warningf("kcptun-client %s listening on %s (%s), tunneling to %s via %s", VERSION, listener.Addr(), mode, remoteAddr, conn.LocalAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Warningf("kcptun-client: shutting down")
		cancel()
	}()

	go acceptLoop(ctx, listener, eng, logger)

	return eng.Run(ctx)
}

// acceptLoop hands every locally accepted TCP connection to the engine
// as a new session, per spec §4.4's client-initiated DIAL.
func acceptLoop(ctx context.Context, listener net.Listener, eng *engine.Engine, logger *xlog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Warningf("kcptun-client: accept: %v", err)
			continue
		}
		select {
		case eng.AcceptCh() <- engine.NewConnRequest{Conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// warnQPPParams mirrors the teacher's own QPP sanity checks in
// client/main.go.
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
