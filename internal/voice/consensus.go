package voice

import (
	"context"
	"sort"
	"time"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
)

// RunHeartbeatMonitor sweeps stale heartbeats on a fixed tick until the
// context is canceled.
func (c *Coordinator) RunHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(MonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepHeartbeats(c.now())
		case <-ctx.Done():
			return
		}
	}
}

// RunConsensusMonitor evaluates peer-state reports on a fixed tick until the
// context is canceled.
func (c *Coordinator) RunConsensusMonitor(ctx context.Context) {
	ticker := time.NewTicker(MonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runConsensus(c.now())
		case <-ctx.Done():
			return
		}
	}
}

// runConsensus prunes stale reports, then issues at most one force-reconnect
// per channel per tick when a majority of valid reporters agree a peer is
// broken and the channel is off cooldown.
func (c *Coordinator) runConsensus(now time.Time) {
	type verdict struct {
		channelID string
		payload   ForceReconnectPayload
	}
	var verdicts []verdict

	c.mu.Lock()
	c.pruneReportsLocked(now)

	channelIDs := make([]string, 0, len(c.channels))
	for id := range c.channels {
		channelIDs = append(channelIDs, id)
	}
	sort.Strings(channelIDs)

	for _, channelID := range channelIDs {
		ch := c.channels[channelID]
		if len(ch.participants) < 2 {
			continue
		}

		var reporters []*peerReport
		for id := range ch.membership {
			rep := c.reports[id]
			if rep != nil && rep.ChannelID == channelID && now.Sub(rep.LastUpdate) <= ReportFreshness {
				reporters = append(reporters, rep)
			}
		}
		if len(reporters) == 0 {
			continue
		}

		targets := make(map[string]struct{})
		for _, rep := range reporters {
			for target := range rep.States {
				targets[target] = struct{}{}
			}
		}
		targetIDs := make([]string, 0, len(targets))
		for t := range targets {
			targetIDs = append(targetIDs, t)
		}
		sort.Strings(targetIDs)

		for _, target := range targetIDs {
			failed := 0
			for _, rep := range reporters {
				if st, ok := rep.States[target]; ok && st.State.Broken() {
					failed++
				}
			}
			if float64(failed)/float64(len(reporters)) < ConsensusThreshold {
				continue
			}
			if now.Sub(ch.lastReconnectAt) < ReconnectCooldown {
				continue
			}

			ch.lastReconnectAt = now
			ch.failureCount++
			for _, rep := range reporters {
				delete(rep.States, target)
			}
			verdicts = append(verdicts, verdict{
				channelID: channelID,
				payload: ForceReconnectPayload{
					TargetPeer:     target,
					FailurePercent: failed * 100 / len(reporters),
					FailedPeers:    failed,
					TotalPeers:     len(reporters),
					Reason:         "consensus-broken",
					Timestamp:      now.UnixMilli(),
				},
			})
			break
		}
	}
	c.mu.Unlock()

	for _, v := range verdicts {
		c.log.Info().
			Str("channel", v.channelID).
			Str("target", v.payload.TargetPeer).
			Int("failure_percent", v.payload.FailurePercent).
			Msg("voice consensus broken, forcing reconnect")
		c.state.Broadcast(core.VoiceRoom(v.channelID), core.NewEvent(proto.OutVoiceForceReconnect, v.payload))
	}
}

// pruneReportsLocked drops per-target states older than the freshness window
// and reporters with nothing fresh left.
func (c *Coordinator) pruneReportsLocked(now time.Time) {
	for reporter, rep := range c.reports {
		for target, st := range rep.States {
			if now.Sub(st.At) > ReportFreshness {
				delete(rep.States, target)
			}
		}
		if len(rep.States) == 0 || now.Sub(rep.LastUpdate) > ReportFreshness {
			delete(c.reports, reporter)
		}
	}
}
