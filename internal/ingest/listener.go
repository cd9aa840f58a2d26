// Package ingest accepts telemetry event streams from local probes. Each
// connection carries newline-delimited JSON envelopes; every decoded event
// is classified and noteworthy observations are persisted.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/vigilstack/vigil-agent/internal/classifiers"
	"github.com/vigilstack/vigil-agent/internal/events"
	"github.com/vigilstack/vigil-agent/internal/metrics"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// maxLineBytes bounds a single event frame.
const maxLineBytes = 256 * 1024

// ObservationSink persists classified observations.
type ObservationSink interface {
	SaveObservation(ctx context.Context, obs models.Observation) error
}

// Listener owns the probe-facing socket.
type Listener struct {
	network     string
	address     string
	classifiers *classifiers.Set
	sink        ObservationSink
	logger      *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewListener constructs a listener; call Serve to start accepting.
func NewListener(network, address string, set *classifiers.Set, sink ObservationSink, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		network:     network,
		address:     address,
		classifiers: set,
		sink:        sink,
		logger:      logger,
	}
}

// Serve accepts probe connections until the context is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	if l.network == "unix" {
		// A previous unclean shutdown leaves the socket file behind.
		_ = os.Remove(l.address)
	}

	ln, err := net.Listen(l.network, l.address)
	if err != nil {
		return fmt.Errorf("ingest: listen %s %s: %w", l.network, l.address, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.logger.Info("ingest listener started",
		slog.String("network", l.network),
		slog.String("address", l.address))

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(ctx, conn)
		}()
	}
	wg.Wait()
	return nil
}

// Addr returns the bound address, nil before Serve.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		env, err := events.Decode(line)
		if err != nil {
			// One bad frame must not kill the probe stream.
			l.logger.Warn("dropping malformed event", slog.Any("error", err))
			continue
		}

		observations, err := l.classifiers.Classify(env)
		if err != nil {
			l.logger.Warn("classification failed", slog.String("event_type", string(env.Type)), slog.Any("error", err))
			continue
		}

		for _, obs := range observations {
			if err := l.sink.SaveObservation(ctx, obs); err != nil {
				l.logger.Error("failed to persist observation",
					slog.String("signal_type", string(obs.SignalType)),
					slog.Any("error", err))
				continue
			}
			metrics.ObservationStored(string(obs.SignalType), string(obs.Severity))
			l.logger.Debug("observation stored",
				slog.String("signal_type", string(obs.SignalType)),
				slog.String("severity", string(obs.Severity)),
				slog.Float64("score", obs.PressureScore))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		l.logger.Warn("probe stream ended with error", slog.Any("error", err))
	}
}
