package dist

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/checksum"
	"github.com/kandev/runtimed/internal/common/logger"
)

// Gate decides whether the local distribution may be launched.
type Gate struct {
	layout Layout
	logger *logger.Logger
}

// NewGate creates a gate over layout.
func NewGate(layout Layout, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Nop()
	}
	return &Gate{layout: layout, logger: log.WithComponent("dist-gate")}
}

// Layout returns the layout the gate checks.
func (g *Gate) Layout() Layout {
	return g.layout
}

// Verify reports whether every required file passes Check.
func (g *Gate) Verify() bool {
	if err := g.Check(); err != nil {
		g.logger.Warn("distribution failed integrity check", zap.Error(err))
		return false
	}
	return true
}

// Check verifies every required file and returns the first failure.
// A file without a sidecar is trusted as-is.
func (g *Gate) Check() error {
	if len(g.layout.Names) == 0 {
		return fmt.Errorf("%w: no files configured", ErrMissingFile)
	}
	for _, f := range g.layout.Files() {
		if err := g.checkFile(f); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) checkFile(f File) error {
	info, err := os.Stat(f.LocalPath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return fmt.Errorf("%w: %s", ErrMissingFile, f.Name)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Name, err)
	}

	expected, present, err := ReadSidecar(f.DigestPath)
	if err != nil {
		return fmt.Errorf("read sidecar for %s: %w", f.Name, err)
	}
	if !present {
		g.logger.Debug("no sidecar, trusting file", zap.String("file", f.Name))
		return nil
	}
	if expected == "" {
		return fmt.Errorf("%w: %s", ErrCorruptSidecar, f.Name)
	}

	actual, err := checksum.DigestFile(f.LocalPath)
	if err != nil {
		return err
	}
	if !checksum.Equal(actual, expected) {
		return fmt.Errorf("%w: %s (expected %s, got %s)", ErrDigestMismatch, f.Name, expected, actual)
	}
	return nil
}
