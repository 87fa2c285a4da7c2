/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"errors"
	"io"
	"os"

	"github.com/gravwell/gcfg"
	"github.com/inhies/go-bytesize"

	"github.com/gravwell/tracegrid/comms/log"
)

const (
	defaultProducerSocket = `/tmp/tracegrid-producer.sock`
	defaultConsumerSocket = `/tmp/tracegrid-consumer.sock`
	defaultLogLevel       = `INFO`

	maxConfigSize int64 = 1024 * 1024
)

type global struct {
	Producer_Socket       string
	Consumer_Socket       string
	Log_File              string
	Log_Level             string
	Watchdog_Memory_Limit string //human readable, e.g. 512MB
}

type cfgReadType struct {
	Global global
}

type cfgType struct {
	ProducerSocket string
	ConsumerSocket string
	LogFile        string
	LogLevel       string
	MemoryLimit    uint64
}

// GetConfig loads and validates the daemon configuration; an empty
// path yields pure defaults.
func GetConfig(path string) (*cfgType, error) {
	var cr cfgReadType
	if path != `` {
		fin, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		fi, err := fin.Stat()
		if err != nil {
			fin.Close()
			return nil, err
		}
		if fi.Size() > maxConfigSize {
			fin.Close()
			return nil, errors.New("config file too large")
		}
		data, err := io.ReadAll(fin)
		fin.Close()
		if err != nil {
			return nil, err
		}
		if err = gcfg.ReadStringInto(&cr, string(data)); err != nil {
			return nil, err
		}
	}
	c := &cfgType{
		ProducerSocket: cr.Global.Producer_Socket,
		ConsumerSocket: cr.Global.Consumer_Socket,
		LogFile:        cr.Global.Log_File,
		LogLevel:       cr.Global.Log_Level,
	}
	if c.ProducerSocket == `` {
		if v := os.Getenv(`TRACEGRID_PRODUCER_SOCK`); v != `` {
			c.ProducerSocket = v
		} else {
			c.ProducerSocket = defaultProducerSocket
		}
	}
	if c.ConsumerSocket == `` {
		c.ConsumerSocket = defaultConsumerSocket
	}
	if c.LogLevel == `` {
		c.LogLevel = defaultLogLevel
	}
	if _, err := log.LevelFromString(c.LogLevel); err != nil {
		return nil, err
	}
	if v := cr.Global.Watchdog_Memory_Limit; v != `` {
		bs, err := bytesize.Parse(v)
		if err != nil {
			return nil, err
		}
		c.MemoryLimit = uint64(bs)
	}
	return c, nil
}

// GetLogger builds the configured logger.
func (c *cfgType) GetLogger() (*log.Logger, error) {
	if c.LogFile == `` {
		return log.NewStderrLogger(), nil
	}
	lg, err := log.NewFile(c.LogFile)
	if err != nil {
		return nil, err
	}
	if err = lg.SetLevelString(c.LogLevel); err != nil {
		lg.Close()
		return nil, err
	}
	return lg, nil
}
