package pool

import (
	"context"
	"time"

	"github.com/inipew/guardkit/logx"
)

// CheckHealth probes every currently idle resource and replaces the ones
// that fail. Borrowed resources are left alone; they are probed on a later
// pass once released. The pool's size is preserved: each failed resource is
// retired and (throttle permitting) replaced.
func (p *Pool) CheckHealth(ctx context.Context) {
	// Snapshot the idle set so probing (which may be slow) never blocks
	// acquires structurally; acquires simply find the idle channel empty and
	// either grow or wait.
	var snapshot []*pooled
	for {
		select {
		case pr := <-p.idle:
			snapshot = append(snapshot, pr)
			continue
		default:
		}
		break
	}

	now := time.Now()
	for _, pr := range snapshot {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := pr.res.Ping(probeCtx)
		cancel()

		if err != nil {
			p.log.Warn("health check failed; replacing resource", logx.Err(err))
			p.retire(pr)
			p.replace(ctx)
			continue
		}
		pr.lastChecked = now
		p.release(pr, false)
	}

	// Top back up to MinSize if retirements outpaced replacements.
	for {
		p.mu.Lock()
		short := !p.closed && p.total < p.cfg.MinSize
		p.mu.Unlock()
		if !short {
			return
		}
		pr, err := p.create(ctx)
		if err != nil {
			p.log.Warn("pool below min size and creation failed", logx.Err(err))
			return
		}
		p.idle <- pr
	}
}

// StartHealthLoop runs CheckHealth on the configured interval until ctx is
// done or the pool shuts down.
func (p *Pool) StartHealthLoop(ctx context.Context) {
	go func() {
		t := time.NewTicker(p.cfg.HealthInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.closeCh:
				return
			case <-t.C:
				p.CheckHealth(ctx)
			}
		}
	}()
}
