// Command kcptun-rendezvous runs the NAT-traversal broker of spec
// §4.5: it speaks only the session-0 control protocol (PING/PONG/
// LISTEN/CONNECT/PUNCH) and never opens a session table entry or TCP
// bridge, mirroring the independence of original_source/src/server.h's
// `pkt` struct from its `listener`/`sessions` fields.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/xtaci/kcptun-rdv/internal/codec"
	"github.com/xtaci/kcptun-rdv/internal/config"
	"github.com/xtaci/kcptun-rdv/internal/frame"
	"github.com/xtaci/kcptun-rdv/internal/session0"
	"github.com/xtaci/kcptun-rdv/internal/transport"
	"github.com/xtaci/kcptun-rdv/internal/xlog"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

const poolSize = 1024

func main() {
	app := cli.NewApp()
	app.Name = "kcptun-rendezvous"
	app.Usage = "rendezvous broker for KCP tunnel NAT traversal"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "c",
			Usage:    "path to the sectioned JSON config file (only psk/password, udp.listen, log_level are consulted)",
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

	cdc, err := codec.New(cfg.DeriveKey(), codec.RoleRendezvous)
	if err != nil {
		return err
	}

	conn, err := transport.Listen(transport.ModeUDP, cfg.UDP.Listen, cfg.UDP.SockBuf)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Warningf("kcptun-rendezvous %s listening on %s", VERSION, conn.LocalAddr())

	pool := frame.NewPool(poolSize, 1500+codec.Overhead+codec.NonceSize)
	pump := frame.NewPump(conn, pool, logger)

	broker := &broker{pump: pump, codec: cdc, pool: pool, log: logger}
	broker.handler = session0.NewHandler(logger, broker, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Warningf("kcptun-rendezvous: shutting down")
		cancel()
	}()

	pumpErrCh := make(chan error, 1)
	go func() { pumpErrCh <- pump.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-pumpErrCh:
			return err
		case f := <-pump.RecvCh():
			broker.handle(f)
			pool.Put(f)
		}
	}
}

// broker adapts the bare codec+pump pair to session0.Sender so
// session0.Handler needs nothing beyond what this command already
// owns; it never touches a session table because it doesn't have one.
type broker struct {
	pump    *frame.Pump
	codec   *codec.Codec
	pool    *frame.Pool
	log     *xlog.Logger
	handler *session0.Handler
}

func (b *broker) handle(f *frame.MessageFrame) {
	n, err := b.codec.OpenInPlace(f.Raw()[:f.Used], f.Used)
	if err != nil {
		return
	}
	plain := f.Raw()[:n]
	what, payload, err := session0.ParseHeader(plain)
	if err != nil {
		return
	}
	if err := b.handler.Handle(f.Addr, what, payload); err != nil {
		b.log.Warningf("rendezvous: handling %v from %s: %v", what, f.Addr, err)
	}
}

// SendSession0 implements session0.Sender.
func (b *broker) SendSession0(to net.Addr, what session0.What, payload []byte) error {
	var plain [session0.HeaderSize + 64]byte
	n := session0.WriteHeader(plain[:], what)
	n += copy(plain[n:], payload)

	f := b.pool.Get()
	if f == nil {
		return nil
	}
	f.SetUsed(copy(f.Raw(), plain[:n]))
	sealedLen, err := b.codec.SealInPlace(f.Raw(), f.Used)
	if err != nil {
		b.pool.Put(f)
		return err
	}
	f.SetUsed(sealedLen)
	f.Addr = to
	if !b.pump.TryEnqueue(f) {
		b.pool.Put(f)
	}
	return nil
}
