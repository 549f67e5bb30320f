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

// Package telemetry wires OpenTelemetry logs, traces and metrics to an OTLP collector.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.31.0"
	"google.golang.org/grpc/credentials"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/version"
)

var (
	// ErrEndpointRequired is returned when telemetry is enabled without a collector endpoint.
	ErrEndpointRequired = errors.New("telemetry endpoint is required when enabled")

	errFailedToParseCACert = errors.New("failed to parse CA certificate")
)

const (
	defaultBatchTimeout   = 5 * time.Second
	defaultExportInterval = 15 * time.Second
	shutdownTimeout       = 10 * time.Second
)

// Provider owns the SDK providers created by Setup. A zero Provider is a valid no-op.
type Provider struct {
	logs    *sdklog.LoggerProvider
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	writer  *Writer
}

// Setup installs global OTel providers that export to cfg.Endpoint. When cfg is nil or
// disabled it returns an empty Provider and the global no-op providers stay in place.
func Setup(ctx context.Context, cfg *models.TelemetryConfig, serviceName string, log logger.Logger) (*Provider, error) {
	if cfg == nil || !cfg.Enabled {
		return &Provider{}, nil
	}

	if cfg.Endpoint == "" {
		return nil, ErrEndpointRequired
	}

	if cfg.ServiceName != "" {
		serviceName = cfg.ServiceName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version.Version()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{}

	if err := p.setupLogs(ctx, cfg, res, creds); err != nil {
		return nil, err
	}

	if err := p.setupTraces(ctx, cfg, res, creds); err != nil {
		_ = p.Shutdown(ctx)

		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, creds); err != nil {
		_ = p.Shutdown(ctx)

		return nil, err
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("service", serviceName).
		Msg("OpenTelemetry export enabled")

	return p, nil
}

func (p *Provider) setupLogs(ctx context.Context, cfg *models.TelemetryConfig, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}

	if creds == nil {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(creds))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	batchTimeout := cfg.BatchTimeout.Std()
	if batchTimeout == 0 {
		batchTimeout = defaultBatchTimeout
	}

	p.logs = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter, sdklog.WithExportTimeout(batchTimeout))),
	)
	global.SetLoggerProvider(p.logs)

	p.writer = NewWriter(context.WithoutCancel(ctx), p.logs)

	return nil
}

func (p *Provider) setupTraces(ctx context.Context, cfg *models.TelemetryConfig, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}

	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)

	otel.SetTracerProvider(p.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg *models.TelemetryConfig, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}

	if creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	interval := cfg.ExportInterval.Std()
	if interval <= 0 {
		interval = defaultExportInterval
	}

	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.metrics)

	return nil
}

// LogWriter returns the writer that forwards zerolog lines as OTel log records, or nil
// when log export is off.
func (p *Provider) LogWriter() io.Writer {
	if p == nil || p.writer == nil {
		return nil
	}

	return p.writer
}

// Shutdown flushes and stops every provider that was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error

	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
		p.traces = nil
	}

	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
		p.metrics = nil
	}

	if p.logs != nil {
		errs = append(errs, p.logs.Shutdown(ctx))
		p.logs = nil
		p.writer = nil
	}

	return errors.Join(errs...)
}

// transportCredentials returns nil when the connection should be plaintext.
func transportCredentials(cfg *models.TelemetryConfig) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLS == nil {
		return credentials.NewTLS(tlsConfig), nil
	}

	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLS.CAFile != "" {
		caCert, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errFailedToParseCACert
		}

		tlsConfig.RootCAs = pool
	}

	return credentials.NewTLS(tlsConfig), nil
}
