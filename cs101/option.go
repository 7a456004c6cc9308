// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"time"

	"github.com/riclolsen/iec101gw/queue"
)

// Default values of the station options
const (
	DefaultPollInterval       = 1 * time.Second
	DefaultReceiveQueueSize   = 64
	DefaultStationChannelName = "cs101"
)

// stationOption holds the settings shared by master and slave stations.
type stationOption struct {
	name              string
	config            Config
	opener            PortOpener
	reconnectInterval time.Duration
	receiveQueueSize  int
	metrics           *Metrics
	rawHandler        RawMessageHandler
}

func defaultStationOption() stationOption {
	return stationOption{
		name:              DefaultStationChannelName,
		config:            DefaultConfig(),
		reconnectInterval: DefaultReconnectInterval,
		receiveQueueSize:  DefaultReceiveQueueSize,
	}
}

// MasterOption master (controlling station) configuration options
type MasterOption struct {
	stationOption
	slaves       []uint16
	pollInterval time.Duration
}

// NewMasterOption creates a MasterOption with the default configuration.
// A port must be set with SetSerialConfig, SetTCPClient, SetTCPServer or
// SetPortOpener.
func NewMasterOption() *MasterOption {
	return &MasterOption{
		stationOption: defaultStationOption(),
		pollInterval:  DefaultPollInterval,
	}
}

// SetName sets the channel name used in logs and metrics.
func (sf *MasterOption) SetName(name string) *MasterOption {
	sf.name = name
	return sf
}

// SetConfig sets the link layer configuration, validated when the station is created.
func (sf *MasterOption) SetConfig(cfg Config) *MasterOption {
	sf.config = cfg
	return sf
}

// SetSerialConfig selects a physical serial port.
func (sf *MasterOption) SetSerialConfig(cfg SerialConfig) *MasterOption {
	sf.opener = SerialOpener(cfg)
	return sf
}

// SetTCPClient selects a TCP connection to a terminal server.
func (sf *MasterOption) SetTCPClient(cfg TCPConfig) *MasterOption {
	sf.opener = TCPClientOpener(cfg)
	return sf
}

// SetTCPServer selects a listening TCP port.
func (sf *MasterOption) SetTCPServer(cfg TCPConfig) *MasterOption {
	sf.opener = TCPServerOpener(cfg)
	return sf
}

// SetPortOpener selects a custom port.
func (sf *MasterOption) SetPortOpener(open PortOpener) *MasterOption {
	sf.opener = open
	return sf
}

// SetReconnectInterval sets the interval for reopening the port after a failure.
func (sf *MasterOption) SetReconnectInterval(t time.Duration) *MasterOption {
	if t > 0 {
		sf.reconnectInterval = t
	}
	return sf
}

// SetReceiveQueueSize sets how many received payloads may wait for the
// handler before further user data is refused.
func (sf *MasterOption) SetReceiveQueueSize(n int) *MasterOption {
	if n > 0 {
		sf.receiveQueueSize = n
	}
	return sf
}

// SetMetrics records link activity in m.
func (sf *MasterOption) SetMetrics(m *Metrics) *MasterOption {
	sf.metrics = m
	return sf
}

// SetRawMessageHandler installs a line monitor.
func (sf *MasterOption) SetRawMessageHandler(h RawMessageHandler) *MasterOption {
	sf.rawHandler = h
	return sf
}

// AddSlave adds a slave link address polled in unbalanced mode.
func (sf *MasterOption) AddSlave(address uint16) *MasterOption {
	sf.slaves = append(sf.slaves, address)
	return sf
}

// SetPollInterval sets the class 2 polling interval of unbalanced mode.
// Zero disables polling.
func (sf *MasterOption) SetPollInterval(t time.Duration) *MasterOption {
	if t >= 0 {
		sf.pollInterval = t
	}
	return sf
}

// SlaveOption slave (controlled station) configuration options
type SlaveOption struct {
	stationOption
	class1, class2     queue.Queue
	clearQueuesOnReset bool
}

// NewSlaveOption creates a SlaveOption with the default configuration and
// in-memory class 1 and class 2 queues.
func NewSlaveOption() *SlaveOption {
	return &SlaveOption{
		stationOption:      defaultStationOption(),
		clearQueuesOnReset: true,
	}
}

// SetName sets the channel name used in logs and metrics.
func (sf *SlaveOption) SetName(name string) *SlaveOption {
	sf.name = name
	return sf
}

// SetConfig sets the link layer configuration, validated when the station is created.
func (sf *SlaveOption) SetConfig(cfg Config) *SlaveOption {
	sf.config = cfg
	return sf
}

// SetSerialConfig selects a physical serial port.
func (sf *SlaveOption) SetSerialConfig(cfg SerialConfig) *SlaveOption {
	sf.opener = SerialOpener(cfg)
	return sf
}

// SetTCPClient selects a TCP connection to a terminal server.
func (sf *SlaveOption) SetTCPClient(cfg TCPConfig) *SlaveOption {
	sf.opener = TCPClientOpener(cfg)
	return sf
}

// SetTCPServer selects a listening TCP port.
func (sf *SlaveOption) SetTCPServer(cfg TCPConfig) *SlaveOption {
	sf.opener = TCPServerOpener(cfg)
	return sf
}

// SetPortOpener selects a custom port.
func (sf *SlaveOption) SetPortOpener(open PortOpener) *SlaveOption {
	sf.opener = open
	return sf
}

// SetReconnectInterval sets the interval for reopening the port after a failure.
func (sf *SlaveOption) SetReconnectInterval(t time.Duration) *SlaveOption {
	if t > 0 {
		sf.reconnectInterval = t
	}
	return sf
}

// SetReceiveQueueSize sets how many received payloads may wait for the
// handler. A fuller queue is signalled with DFC.
func (sf *SlaveOption) SetReceiveQueueSize(n int) *SlaveOption {
	if n > 0 {
		sf.receiveQueueSize = n
	}
	return sf
}

// SetMetrics records link activity in m.
func (sf *SlaveOption) SetMetrics(m *Metrics) *SlaveOption {
	sf.metrics = m
	return sf
}

// SetRawMessageHandler installs a line monitor.
func (sf *SlaveOption) SetRawMessageHandler(h RawMessageHandler) *SlaveOption {
	sf.rawHandler = h
	return sf
}

// SetQueues replaces the class 1 and class 2 queues, e.g. by persistent ones.
func (sf *SlaveOption) SetQueues(class1, class2 queue.Queue) *SlaveOption {
	if class1 != nil && class2 != nil {
		sf.class1, sf.class2 = class1, class2
	}
	return sf
}

// SetClearQueuesOnReset selects whether a reset of the remote link discards
// queued data.
func (sf *SlaveOption) SetClearQueuesOnReset(b bool) *SlaveOption {
	sf.clearQueuesOnReset = b
	return sf
}
