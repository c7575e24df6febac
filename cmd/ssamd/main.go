package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/env"
	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/hub"
)

func init() {
	if meta := &env.Default().Hub.Meta; meta.Description == "" {
		meta.Description = "Surface Aggregator Module"
	}
	env.SetupFlags()
}

func main() {
	flag.Parse()
	defer glog.Flush()

	conf := env.NewConfig()
	if _, err := conf.EventSources(); err != nil {
		log.Fatalln(err)
	}
	h := hub.New(conf, conf.MustOpenController())
	runner := fx.NewRunner().HandleSignals()
	runner.OnSignal(func(sig os.Signal) {
		ctx, cancel := context.WithTimeout(runner.Context, conf.Timeout*time.Duration(conf.Tries)+time.Second)
		defer cancel()
		var err error
		if sig == syscall.SIGUSR1 {
			err = h.Suspend(ctx)
		} else {
			err = h.Resume(ctx)
		}
		if err != nil {
			glog.Errorf("%v: %v", sig, err)
		}
	}, syscall.SIGUSR1, syscall.SIGUSR2)
	if err := runner.Go(h).Wait(); err != nil {
		log.Fatalln(err)
	}
}
