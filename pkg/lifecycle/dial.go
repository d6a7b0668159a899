// Copyright 2024 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// openConnection dials the broker socket for h and records it on the handle,
// so a teardown during the MQTT handshake closes the socket instead of
// waiting for the connect timeout.
func openConnection(h *handle) mqtt.OpenConnectionFunc {
	return func(uri *url.URL, opts mqtt.ClientOptions) (net.Conn, error) {
		conn, err := dial(h.ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		if !h.setConn(conn) {
			_ = conn.Close()
			return nil, ErrHandleClosed
		}
		return conn, nil
	}
}

func dial(ctx context.Context, uri *url.URL, opts mqtt.ClientOptions) (net.Conn, error) {
	d := &net.Dialer{Timeout: opts.ConnectTimeout}
	switch uri.Scheme {
	case "tcp", "mqtt":
		return d.DialContext(ctx, "tcp", uri.Host)
	case "tls", "ssl", "mqtts":
		td := &tls.Dialer{NetDialer: d, Config: opts.TLSConfig}
		return td.DialContext(ctx, "tcp", uri.Host)
	case "ws", "wss":
		// The websocket dialer rejects URLs carrying user info.
		u := *uri
		u.User = nil
		var tlsc *tls.Config
		if uri.Scheme == "wss" {
			tlsc = opts.TLSConfig
		}
		return mqtt.NewWebsocket(u.String(), tlsc, opts.ConnectTimeout, opts.HTTPHeaders, opts.WebsocketOptions)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", uri.Scheme)
	}
}
