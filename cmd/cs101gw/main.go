// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Command cs101gw runs IEC 60870-5-101 master and slave stations over
// serial lines or TCP and exchanges their user data with an MQTT broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/thejerf/suture/v4"

	"github.com/riclolsen/iec101gw/clog"
	"github.com/riclolsen/iec101gw/cs101"
	"github.com/riclolsen/iec101gw/internal/bridge"
	"github.com/riclolsen/iec101gw/queue"
)

type CLI struct {
	Channels string          `arg:"" type:"existingfile" help:"JSON file describing the channels"`
	Config   kong.ConfigFlag `help:"JSON file with flag values"`

	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"Log level" env:"CS101GW_LOG_LEVEL"`
	LogJSON  bool   `help:"Log in JSON" env:"CS101GW_LOG_JSON"`
	Listen   string `default:"0.0.0.0:9101" help:"HTTP listener address for metrics, empty to disable" env:"CS101GW_LISTEN"`
	DataDir  string `default:"." help:"Directory of the persistent slave queues" env:"CS101GW_DATA_DIR"`

	MQTTBroker   string `help:"MQTT broker address" env:"MQTT_BROKER"`
	MQTTClientID string `help:"MQTT client ID" env:"MQTT_CLIENT_ID"`
	MQTTUsername string `help:"MQTT username" default:"" env:"MQTT_USERNAME"`
	MQTTPassword string `help:"MQTT password" default:"" env:"MQTT_PASSWORD"`
	MQTTPrefix   string `help:"MQTT topic prefix" default:"cs101" env:"MQTT_PREFIX"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Configuration(kong.JSON))

	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		kctx.Fatalf("%v", err)
	}
	clog.Setup(os.Stderr, level, cli.LogJSON)

	if err := run(&cli); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func run(cli *CLI) error {
	channels, err := loadChannels(cli.Channels)
	if err != nil {
		return err
	}

	var client mqtt.Client
	if cli.MQTTBroker != "" {
		client, err = bridge.Connect(bridge.ClientConfig{
			Broker:   cli.MQTTBroker,
			ClientID: cli.MQTTClientID,
			Username: cli.MQTTUsername,
			Password: cli.MQTTPassword,
		})
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
	}

	var db *leveldb.DB
	for _, c := range channels {
		if c.Persistent {
			path := filepath.Join(cli.DataDir, "queues")
			if db, err = leveldb.OpenFile(path, nil); err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer db.Close()
			break
		}
	}

	metrics := cs101.NewMetrics(prometheus.DefaultRegisterer)
	sup := suture.NewSimple("cs101gw")
	for i := range channels {
		if err = addChannel(sup, &channels[i], metrics, client, cli.MQTTPrefix, db); err != nil {
			return err
		}
	}
	if cli.Listen != "" {
		sup.Add(&metricsServer{addr: cli.Listen})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	slog.Info("Starting", "channels", len(channels), "metrics", cli.Listen, "mqtt", cli.MQTTBroker)
	if err = <-sup.ServeBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Stopped")
	return nil
}

// station is what the gateway needs of a master or slave.
type station interface {
	bridge.Sender
	SetLogMode(enable bool)
	ReconnectInterval() time.Duration
	Supervisor() *suture.Supervisor
}

// addChannel creates the station of c, and its bridge when client is set,
// and adds them to sup. Every station runs under its own supervisor, which
// reopens the port one reconnect interval after a failure.
func addChannel(sup *suture.Supervisor, c *channelConfig, m *cs101.Metrics, client mqtt.Client, prefix string, db *leveldb.DB) error {
	var handler cs101.StationHandler = &logHandler{name: c.Name}
	var br *bridge.Bridge
	if client != nil {
		br = bridge.New(client, bridge.Options{Prefix: prefix, Channel: c.Name})
		handler = br
	}
	st, err := newStation(c, handler, m, db)
	if err != nil {
		return err
	}
	st.SetLogMode(true)
	sup.Add(st.Supervisor())
	if br != nil {
		br.SetSender(st)
		br.LogMode(true)
		sup.Add(br)
	}
	return nil
}

// newStation creates the master or slave described by c.
func newStation(c *channelConfig, handler cs101.StationHandler, m *cs101.Metrics, db *leveldb.DB) (station, error) {
	cfg, err := c.linkConfig()
	if err != nil {
		return nil, err
	}
	open, err := c.opener()
	if err != nil {
		return nil, err
	}

	var st station
	switch c.Role {
	case "master":
		opt := cs101.NewMasterOption().
			SetName(c.Name).
			SetConfig(cfg).
			SetPortOpener(open).
			SetReconnectInterval(time.Duration(c.ReconnectInterval)).
			SetMetrics(m)
		if c.PollInterval != nil {
			opt.SetPollInterval(time.Duration(*c.PollInterval))
		}
		for _, address := range c.Slaves {
			opt.AddSlave(address)
		}
		st, err = cs101.NewMaster(handler, opt)
	default:
		opt := cs101.NewSlaveOption().
			SetName(c.Name).
			SetConfig(cfg).
			SetPortOpener(open).
			SetReconnectInterval(time.Duration(c.ReconnectInterval)).
			SetMetrics(m)
		if c.Persistent {
			if db == nil {
				return nil, fmt.Errorf("channel %s: no data directory for persistent queues", c.Name)
			}
			var class1, class2 queue.Queue
			if class1, err = queue.NewLevel(db, c.Name+"/class1", cfg.MaxSendQueueSize); err != nil {
				return nil, err
			}
			if class2, err = queue.NewLevel(db, c.Name+"/class2", cfg.MaxSendQueueSize); err != nil {
				return nil, err
			}
			opt.SetQueues(class1, class2).SetClearQueuesOnReset(false)
		}
		st, err = cs101.NewSlave(handler, opt)
	}
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", c.Name, err)
	}
	return st, nil
}

// logHandler logs the user data of a station without a broker.
type logHandler struct {
	name string
}

func (h *logHandler) UserDataHandler(address uint16, payload []byte) error {
	slog.Info("User data", "channel", h.name, "address", address, "payload", fmt.Sprintf("% X", payload))
	return nil
}

func (h *logHandler) LinkStateHandler(address uint16, state cs101.LinkLayerState) {
	slog.Info("Link state", "channel", h.name, "address", address, "state", state)
}

// metricsServer serves the Prometheus metrics.
type metricsServer struct {
	addr string
}

func (s *metricsServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *metricsServer) String() string {
	return "metrics " + s.addr
}
