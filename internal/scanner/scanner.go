// Package scanner turns a stream of decoded barcode captures into lookups and optional
// stock adjustments. Decoding itself is outside this package.
package scanner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

const DefaultDebounce = 2 * time.Second

// Capture is one decoded symbol as produced by a camera decoder or keyboard-wedge scanner.
type Capture struct {
	Symbol     string
	Format     string
	Confidence float64
	At         time.Time
}

// Debouncer drops a capture when it repeats the last accepted symbol within the window.
type Debouncer struct {
	window time.Duration

	mu       sync.Mutex
	last     string
	lastAt   time.Time
	accepted bool
}

func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{window: window}
}

func (d *Debouncer) Accept(c Capture) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accepted && c.Symbol == d.last && c.At.Sub(d.lastAt) < d.window {
		return false
	}
	d.last, d.lastAt, d.accepted = c.Symbol, c.At, true
	return true
}

// Resolver looks a symbol up. A nil product with a nil error means not found.
type Resolver interface {
	Resolve(ctx context.Context, symbol, format string) (*domain.Product, error)
}

// Adjuster applies a stock change and returns the resulting quantity.
type Adjuster interface {
	Adjust(ctx context.Context, productID string, req domain.AdjustStockRequest) (int, error)
}

type Outcome struct {
	Capture     Capture
	Product     *domain.Product
	NotFound    bool
	Adjusted    bool
	NewQuantity int
	Err         error
}

type SessionConfig struct {
	// Operation is add or remove; empty means lookup only.
	Operation domain.Operation
	Quantity  int
	Debounce  time.Duration
}

// Session processes captures one at a time, in arrival order.
type Session struct {
	resolver  Resolver
	adjuster  Adjuster
	cfg       SessionConfig
	debouncer *Debouncer
	logger    *zap.Logger
}

func NewSession(resolver Resolver, adjuster Adjuster, cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	if cfg.Operation != "" {
		if _, ok := cfg.Operation.Signed(cfg.Quantity); !ok {
			return nil, errors.New("scanner operation must be add or remove")
		}
		if cfg.Quantity <= 0 {
			return nil, errors.New("scanner quantity must be positive")
		}
		if adjuster == nil {
			return nil, errors.New("scanner operation requires an adjuster")
		}
	}
	return &Session{
		resolver:  resolver,
		adjuster:  adjuster,
		cfg:       cfg,
		debouncer: NewDebouncer(cfg.Debounce),
		logger:    logger,
	}, nil
}

// Run consumes captures until the channel closes or ctx ends, calling handle for every
// capture that passes the debouncer.
func (s *Session) Run(ctx context.Context, captures <-chan Capture, handle func(Outcome)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-captures:
			if !ok {
				return nil
			}
			if !s.debouncer.Accept(c) {
				s.logger.Debug("Duplicate capture suppressed", zap.String("barcode", c.Symbol))
				continue
			}
			handle(s.process(ctx, c))
		}
	}
}

func (s *Session) process(ctx context.Context, c Capture) Outcome {
	out := Outcome{Capture: c}
	product, err := s.resolver.Resolve(ctx, c.Symbol, c.Format)
	if err != nil {
		s.logger.Error("Barcode lookup failed", zap.String("barcode", c.Symbol), zap.Error(err))
		out.Err = err
		return out
	}
	if product == nil {
		out.NotFound = true
		return out
	}
	out.Product = product
	if s.cfg.Operation == "" {
		return out
	}

	newQty, err := s.adjuster.Adjust(ctx, product.ProductID, domain.AdjustStockRequest{
		Quantity:  s.cfg.Quantity,
		Operation: s.cfg.Operation,
		Barcode:   c.Symbol,
	})
	if err != nil {
		s.logger.Error("Stock adjustment after scan failed",
			zap.String("product_id", product.ProductID),
			zap.Error(err))
		out.Err = err
		return out
	}
	out.Adjusted = true
	out.NewQuantity = newQty
	return out
}

// ReadLines emits one capture per non-empty line of r, the way keyboard-wedge scanners
// type a symbol followed by Enter. The channel closes at EOF or when ctx ends.
func ReadLines(ctx context.Context, r io.Reader, format string, now func() time.Time) <-chan Capture {
	if now == nil {
		now = time.Now
	}
	out := make(chan Capture)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			symbol := strings.TrimSpace(sc.Text())
			if symbol == "" {
				continue
			}
			select {
			case out <- Capture{Symbol: symbol, Format: format, Confidence: 1, At: now()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
