package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/netlisten"
	"github.com/blockserve/blockserve/internal/obslog"
	"github.com/blockserve/blockserve/internal/pathmap"
	"github.com/blockserve/blockserve/internal/transport/aio"
	"github.com/blockserve/blockserve/internal/transport/blocking"
	"github.com/blockserve/blockserve/internal/transport/epoll"
	"github.com/blockserve/blockserve/internal/transport/process"
	"github.com/blockserve/blockserve/internal/transport/thread"
	"github.com/blockserve/blockserve/internal/transport/uring"
)

func runServe(v *viper.Viper) error {
	log := obslog.New(v.GetString("log-level"))
	resolver := pathmap.Resolver{Root: v.GetString("doc-root")}
	pool := &buffer.Pool{}

	lcfg := netlisten.Config{
		Addr:      v.GetString("listen-addr"),
		Backlog:   v.GetInt("backlog"),
		ReusePort: v.GetBool("reuseport"),
	}

	switch t := v.GetString("transport"); t {
	case "blocking":
		ln, err := netlisten.Listen(lcfg)
		if err != nil {
			return err
		}
		log.WithField("addr", lcfg.Addr).Info("starting blocking transport")
		return (&blocking.Server{Listener: ln, Pool: pool, Resolver: resolver, Log: log}).Serve()

	case "process":
		ln, err := netlisten.Listen(lcfg)
		if err != nil {
			return err
		}
		log.WithField("addr", lcfg.Addr).Info("starting process-per-connection transport")
		return (&process.Server{Listener: ln, Pool: pool, Resolver: resolver, Log: log}).Serve()

	case "thread":
		ln, err := netlisten.Listen(lcfg)
		if err != nil {
			return err
		}
		log.WithField("addr", lcfg.Addr).Info("starting thread-per-connection transport")
		return (&thread.Server{Listener: ln, Pool: pool, Resolver: resolver, Log: log}).Serve()

	case "epoll":
		fd, err := netlisten.ListenRawFD(lcfg)
		if err != nil {
			return err
		}
		log.WithField("addr", lcfg.Addr).Info("starting epoll readiness transport")
		return (&epoll.Server{ListenFD: fd, Pool: pool, Resolver: resolver, Log: log}).Serve()

	case "aio":
		fd, err := netlisten.ListenRawFD(lcfg)
		if err != nil {
			return err
		}
		log.WithField("addr", lcfg.Addr).Info("starting epoll+AIO transport")
		return (&aio.Server{ListenFD: fd, Pool: pool, Resolver: resolver, Log: log}).Serve()

	case "uring":
		fd, err := netlisten.ListenRawFD(lcfg)
		if err != nil {
			return err
		}
		log.WithField("addr", lcfg.Addr).Info("starting io_uring transport")
		return (&uring.Server{ListenFD: fd, Pool: pool, Resolver: resolver, Log: log, SQPoll: v.GetBool("uring-sqpoll")}).Serve()

	default:
		return fmt.Errorf("unknown transport %q", t)
	}
}
