/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package natsutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

var errServerNotReady = errors.New("embedded NATS server not ready")

const serverReadyTimeout = 10 * time.Second

// EmbeddedServerOptions configures RunEmbeddedServer.
type EmbeddedServerOptions struct {
	// URL is the address to listen on, e.g. nats://127.0.0.1:4222. Port 0 or -1 picks a free port.
	URL      string
	StoreDir string
	Security *models.SecurityConfig
}

// RunEmbeddedServer starts an in-process NATS server with JetStream enabled and waits
// until it accepts connections.
func RunEmbeddedServer(opts EmbeddedServerOptions, log logger.Logger) (*server.Server, error) {
	host, port := "127.0.0.1", -1

	if opts.URL != "" {
		h, p, err := splitURL(opts.URL)
		if err != nil {
			return nil, err
		}

		host, port = h, p
	}

	srvOpts := &server.Options{
		Host:      host,
		Port:      port,
		JetStream: true,
		StoreDir:  opts.StoreDir,
		NoSigs:    true,
	}

	if opts.Security != nil && opts.Security.Mode == models.SecurityModeMTLS {
		tlsConf, err := ServerTLSConfig(opts.Security)
		if err != nil {
			return nil, err
		}

		srvOpts.TLSConfig = tlsConf
		srvOpts.TLSVerify = true
	}

	if opts.Security != nil && opts.Security.NKeySeedFile != "" {
		kp, err := LoadUserNKey(opts.Security)
		if err != nil {
			return nil, err
		}

		pub, err := kp.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive nkey public key: %w", err)
		}

		srvOpts.Nkeys = []*server.NkeyUser{{Nkey: pub}}
	}

	srv, err := server.NewServer(srvOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(serverReadyTimeout) {
		srv.Shutdown()

		return nil, errServerNotReady
	}

	log.Info().Str("url", srv.ClientURL()).Msg("Embedded NATS server started")

	return srv, nil
}

func splitURL(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("invalid NATS url %q: %w", raw, err)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host, server.DEFAULT_PORT, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid NATS port %q: %w", portStr, err)
	}

	if port == 0 {
		port = -1
	}

	return host, port, nil
}
