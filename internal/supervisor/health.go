package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/logpipe"
)

// ProbeResult classifies one readiness probe.
type ProbeResult int

const (
	ProbeUnreachable ProbeResult = iota
	ProbeNotReady
	ProbeReady
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeReady:
		return "ready"
	case ProbeNotReady:
		return "not_ready"
	default:
		return "unreachable"
	}
}

// readinessResponse is the body of GET /config. Only the readiness key matters.
type readinessResponse map[string]json.RawMessage

// maxProbeBody caps how much of a /config response is decoded.
const maxProbeBody = 1 << 20

var (
	errHealthTimeout = errors.New("runtime did not become ready in time")
	errExitedEarly   = errors.New("runtime exited during startup")
	errCleanExit     = errors.New("exited with status 0")
)

// probe issues one GET {baseURL}/config and classifies the answer.
func (s *Supervisor) probe(ctx context.Context, baseURL string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/config", nil)
	if err != nil {
		return ProbeUnreachable
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ProbeUnreachable
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return ProbeNotReady
	}
	var body readinessResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(&body); err != nil {
		return ProbeNotReady
	}
	raw, ok := body[s.cfg.ReadinessKey]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return ProbeNotReady
	}
	return ProbeReady
}

// waitHealthy waits for the child to announce its address, then polls it until
// ready. The whole wait is bounded by the health timeout.
func (s *Supervisor) waitHealthy(ctx context.Context, mp *managedProcess, addrCh <-chan logpipe.Address) (logpipe.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()

	var addr logpipe.Address
	select {
	case addr = <-addrCh:
	case <-mp.exited:
		return addr, errExitedEarly
	case <-ctx.Done():
		return addr, errHealthTimeout
	}

	baseURL := addr.ProbeURL()
	log := s.logger.WithPID(mp.pid).WithFields(zap.String("url", baseURL))
	log.Debug("runtime announced address, polling for readiness")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	last := ProbeUnreachable
	for {
		if last = s.probe(ctx, baseURL); last == ProbeReady {
			return addr, nil
		}
		select {
		case <-ticker.C:
		case <-mp.exited:
			return addr, errExitedEarly
		case <-ctx.Done():
			log.Debug("readiness wait timed out", zap.String("last_probe", last.String()))
			return addr, errHealthTimeout
		}
	}
}
