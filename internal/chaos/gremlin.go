// Package chaos implements the gremlin: fault injection the
// inventory service hosts so the order path can be demonstrated (and
// tested) against a slow, crashing, or lying dependency. The engine's
// correctness never depends on what the gremlin decides; the replay
// check makes its distribution irrelevant.
package chaos

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/obs"
	"github.com/valerix/order-pipeline/internal/port"
)

const defaultLatency = 5 * time.Second

type ctxKey int

const partialFailureKey ctxKey = iota

type partialFailure struct {
	sever bool
}

type Settings struct {
	Repo    port.ChaosRepository
	Logger  *zap.Logger
	Metrics *obs.InventoryMetrics

	// Rand and Sleep are injectable for deterministic tests.
	Rand  func() float64
	Sleep func(ctx context.Context, d time.Duration)
}

type Gremlin struct {
	repo    port.ChaosRepository
	log     *zap.Logger
	metrics *obs.InventoryMetrics
	rand    func() float64
	sleep   func(ctx context.Context, d time.Duration)
}

func NewGremlin(s Settings) *Gremlin {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Rand == nil {
		s.Rand = rand.Float64
	}
	if s.Sleep == nil {
		s.Sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		}
	}
	return &Gremlin{
		repo:    s.Repo,
		log:     s.Logger.With(zap.String("component", "gremlin")),
		metrics: s.Metrics,
		rand:    s.Rand,
		sleep:   s.Sleep,
	}
}

// Middleware consults the stored chaos configuration on every request
// and may delay it, fail it outright, or arm a post-commit partial
// failure for the handler to fire via Interrupt. A broken chaos store
// never breaks the service.
func (g *Gremlin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		cfg, err := g.repo.GetConfig(ctx)
		if err != nil {
			g.log.Warn("chaos config unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if cfg == nil || !cfg.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		if cfg.Latency {
			delay := time.Duration(cfg.LatencyMS) * time.Millisecond
			if delay <= 0 {
				delay = defaultLatency
			}
			g.log.Warn("injecting latency",
				zap.Duration("delay", delay), zap.String("path", r.URL.Path))
			g.event("latency")
			g.sleep(ctx, delay)
		}

		if cfg.CrashRate > 0 && g.rand() < cfg.CrashRate {
			g.log.Error("injecting crash", zap.String("path", r.URL.Path))
			g.event("crash")
			switch p := g.rand(); {
			case p < 1.0/3.0:
				g.writeError(w, http.StatusInternalServerError, "service crashed during processing (injected)")
			case p < 2.0/3.0:
				g.writeError(w, http.StatusServiceUnavailable, "database timeout (injected)")
			default:
				sever(w)
			}
			return
		}

		if cfg.PartialFailureRate > 0 && g.rand() < cfg.PartialFailureRate {
			ctx = context.WithValue(ctx, partialFailureKey, partialFailure{
				sever: g.rand() < 0.5,
			})
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Interrupt fires the armed post-commit fault, if any. Handlers call
// it strictly after the transaction committed and before writing the
// success response; it returns true when the response path was taken
// over and the handler must not write anything else. The client then
// observes "no response" for an operation that did take effect.
func (g *Gremlin) Interrupt(w http.ResponseWriter, r *http.Request) bool {
	pf, ok := r.Context().Value(partialFailureKey).(partialFailure)
	if !ok {
		return false
	}

	g.log.Error("partial failure: commit succeeded, response severed",
		zap.String("path", r.URL.Path), zap.Bool("sever", pf.sever))
	g.event("partial_failure")

	if pf.sever {
		sever(w)
	} else {
		g.writeError(w, http.StatusInternalServerError, "response failed after commit (injected)")
	}
	return true
}

// Config returns the stored configuration, never nil.
func (g *Gremlin) Config(ctx context.Context) (domain.ChaosConfig, error) {
	cfg, err := g.repo.GetConfig(ctx)
	if err != nil {
		return domain.ChaosConfig{}, err
	}
	if cfg == nil {
		return domain.ChaosConfig{}, nil
	}
	return *cfg, nil
}

func (g *Gremlin) SetConfig(ctx context.Context, cfg domain.ChaosConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return g.repo.SetConfig(ctx, cfg)
}

func (g *Gremlin) Disable(ctx context.Context) error {
	return g.repo.ClearConfig(ctx)
}

func (g *Gremlin) event(kind string) {
	if g.metrics != nil {
		g.metrics.ChaosEvents.WithLabelValues(kind).Inc()
	}
}

func (g *Gremlin) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

// sever drops the connection without writing any response, making the
// outcome indistinguishable from a network failure for the client.
func sever(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}
