// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package bridge connects the user data of CS101 stations to an MQTT broker.
//
// For a channel named ch and a topic prefix p, the bridge publishes
//
//	p/ch/<address>/rx      user data received from the station at address
//	p/ch/<address>/state   link state, retained
//	p/ch/<address>/failed  user data given up, as JSON {"error", "payload"}
//
// and forwards the payload of every message on
//
//	p/ch/<address>/tx/<class>
//
// to the station, with class 1 or 2.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/riclolsen/iec101gw/clog"
	"github.com/riclolsen/iec101gw/cs101"
)

// Default values of the bridge options
const (
	DefaultPrefix       = "cs101"
	DefaultTimeout      = 10 * time.Second
	DefaultRequestQueue = 64
)

// Sender queues user data for the station at address.
type Sender interface {
	Send(ctx context.Context, address uint16, class cs101.DataClass, payload []byte) error
}

// Options configures a Bridge.
type Options struct {
	// Prefix is the first topic level, DefaultPrefix if empty.
	Prefix string
	// Channel names the channel in the topics. It is sanitized.
	Channel string
	// QoS of publications and the subscription.
	QoS byte
	// Timeout bounds every broker operation.
	Timeout time.Duration
	// RequestQueue is the number of outbound payloads waiting for the
	// station.
	RequestQueue int
}

type request struct {
	address uint16
	class   cs101.DataClass
	payload []byte
}

// Bridge is a cs101.StationHandler publishing to MQTT, and a suture.Service
// forwarding subscribed payloads to a Sender.
type Bridge struct {
	client   mqtt.Client
	base     string
	qos      byte
	timeout  time.Duration
	sender   Sender
	requests chan request

	clog.Clog
}

// New creates a bridge using client, which must be connected before Serve.
func New(client mqtt.Client, opt Options) *Bridge {
	if opt.Prefix == "" {
		opt.Prefix = DefaultPrefix
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.RequestQueue <= 0 {
		opt.RequestQueue = DefaultRequestQueue
	}
	channel := SanitizeTopic(opt.Channel)
	return &Bridge{
		client:   client,
		base:     strings.TrimSuffix(opt.Prefix, "/") + "/" + channel,
		qos:      opt.QoS,
		timeout:  opt.Timeout,
		requests: make(chan request, opt.RequestQueue),
		Clog:     clog.NewLogger("bridge [" + channel + "]"),
	}
}

// SetSender sets the station receiving the subscribed payloads.
func (sf *Bridge) SetSender(s Sender) *Bridge {
	sf.sender = s
	return sf
}

// String names the service in supervisor events.
func (sf *Bridge) String() string {
	return "bridge " + sf.base
}

func (sf *Bridge) topic(address uint16, leaf string) string {
	return sf.base + "/" + strconv.Itoa(int(address)) + "/" + leaf
}

func (sf *Bridge) wait(t mqtt.Token, what string) error {
	if !t.WaitTimeout(sf.timeout) {
		return fmt.Errorf("%s: timeout after %v", what, sf.timeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// UserDataHandler implements cs101.StationHandler.
func (sf *Bridge) UserDataHandler(address uint16, payload []byte) error {
	topic := sf.topic(address, "rx")
	return sf.wait(sf.client.Publish(topic, sf.qos, false, payload), "publish "+topic)
}

// LinkStateHandler implements cs101.StationHandler.
func (sf *Bridge) LinkStateHandler(address uint16, state cs101.LinkLayerState) {
	topic := sf.topic(address, "state")
	if err := sf.wait(sf.client.Publish(topic, sf.qos, true, state.String()), "publish "+topic); err != nil {
		sf.Warn("%v", err)
	}
}

type failure struct {
	Error   string `json:"error"`
	Payload []byte `json:"payload"`
}

// SendFailedHandler implements cs101.SendFailedHandler.
func (sf *Bridge) SendFailedHandler(address uint16, payload []byte, err error) {
	topic := sf.topic(address, "failed")
	b, jerr := json.Marshal(failure{Error: err.Error(), Payload: payload})
	if jerr != nil {
		sf.Error("Encoding failure of %d: %v", address, jerr)
		return
	}
	if err = sf.wait(sf.client.Publish(topic, sf.qos, false, b), "publish "+topic); err != nil {
		sf.Warn("%v", err)
	}
}

// parseTx returns the address and class of a tx topic.
func (sf *Bridge) parseTx(topic string) (uint16, cs101.DataClass, error) {
	rest, ok := strings.CutPrefix(topic, sf.base+"/")
	if !ok {
		return 0, 0, fmt.Errorf("foreign topic %q", topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "tx" {
		return 0, 0, fmt.Errorf("malformed topic %q", topic)
	}
	address, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad address in %q", topic)
	}
	switch parts[2] {
	case "1":
		return uint16(address), cs101.Class1, nil
	case "2":
		return uint16(address), cs101.Class2, nil
	}
	return 0, 0, fmt.Errorf("bad class in %q", topic)
}

// onMessage runs on the MQTT client goroutine and must not block.
func (sf *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	address, class, err := sf.parseTx(msg.Topic())
	if err != nil {
		sf.Warn("Ignoring message: %v", err)
		return
	}
	r := request{address, class, append([]byte(nil), msg.Payload()...)}
	select {
	case sf.requests <- r:
	default:
		sf.Warn("Request queue full, dropping %d bytes for %d", len(r.payload), address)
	}
}

// Serve subscribes to the tx topics and forwards their payloads until ctx
// is done. It implements suture.Service.
func (sf *Bridge) Serve(ctx context.Context) error {
	if sf.sender == nil {
		return errors.New("bridge without sender")
	}
	filter := sf.base + "/+/tx/+"
	if err := sf.wait(sf.client.Subscribe(filter, sf.qos, sf.onMessage), "subscribe "+filter); err != nil {
		return err
	}
	sf.Debug("Subscribed to %s", filter)
	defer func() {
		if err := sf.wait(sf.client.Unsubscribe(filter), "unsubscribe "+filter); err != nil {
			sf.Warn("%v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-sf.requests:
			sctx, cancel := context.WithTimeout(ctx, sf.timeout)
			err := sf.sender.Send(sctx, r.address, r.class, r.payload)
			cancel()
			if err != nil {
				sf.Warn("Failed to send %d bytes of %s to %d: %v", len(r.payload), r.class, r.address, err)
			}
		}
	}
}

// SanitizeTopic turns s into a single topic level: diacritics and other
// non-ASCII runes removed, lower case, spaces and MQTT separators replaced
// by underscores.
func SanitizeTopic(s string) string {
	t := transform.Chain(
		// Split runes with diacritics into base character and mark.
		norm.NFD,
		runes.Remove(runes.Predicate(func(r rune) bool {
			return unicode.Is(unicode.Mn, r) || r > unicode.MaxASCII
		})))
	res, _, err := transform.String(t, s)
	if err != nil {
		res = s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '+', '#':
			return '_'
		}
		return unicode.ToLower(r)
	}, res)
}
