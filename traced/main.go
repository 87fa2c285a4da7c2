/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms"
	"github.com/gravwell/tracegrid/service"
	"github.com/gravwell/tracegrid/version"
)

var (
	cfgFlag  = flag.String("config-override", "", "Override config file path")
	verFlag  = flag.Bool("version", false, "Print version and exit")
	cfgFile  string
)

func init() {
	flag.Parse()
	cfgFile = *cfgFlag
}

func main() {
	if *verFlag {
		version.PrintVersion(os.Stdout)
		return
	}
	c, err := GetConfig(cfgFile)
	if err != nil {
		stdlog.Fatalf("Failed to load config %s: %v", cfgFile, err)
	}
	lg, err := c.GetLogger()
	if err != nil {
		stdlog.Fatalf("Failed to get logger: %v", err)
	}
	if c.MemoryLimit > 0 {
		base.GetWatchdog().SetMemoryLimit(c.MemoryLimit)
	}

	tr, err := base.NewTaskRunner()
	if err != nil {
		lg.Fatalf("task runner: %v", err)
	}
	svc := service.New(tr, lg)

	prodHost, err := comms.NewHost(c.ProducerSocket, tr, lg)
	if err != nil {
		lg.Fatalf("producer socket %s: %v", c.ProducerSocket, err)
	}
	if err = prodHost.ExposeService(newProducerPort(svc, prodHost, tr, lg)); err != nil {
		lg.Fatalf("producer port: %v", err)
	}
	consHost, err := comms.NewHost(c.ConsumerSocket, tr, lg)
	if err != nil {
		lg.Fatalf("consumer socket %s: %v", c.ConsumerSocket, err)
	}
	if err = consHost.ExposeService(newConsumerPort(svc, consHost, tr, lg)); err != nil {
		lg.Fatalf("consumer port: %v", err)
	}
	lg.Infof("tracegrid service up, producer=%s consumer=%s", c.ProducerSocket, c.ConsumerSocket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	lg.Infof("shutting down")
	prodHost.Close()
	consHost.Close()
	tr.Quit()
	lg.Close()
}
